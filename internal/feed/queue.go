package feed

import (
	"sync"

	"github.com/ef-ds/deque"

	"marketfeed/models"
)

// LengthObserver is invoked with the queue's new length every time the
// length changes. It runs outside the queue lock and must not block.
type LengthObserver func(length int)

// Queue is the bounded FIFO seam between a subscription's producer and its
// consumer. The producer appends with Push, the consumer drains with Pull.
// One mutex guards the buffer and both lifecycle flags so Len is always a
// point-in-time consistent reading.
//
// The queue itself never rejects on capacity; flow control is the
// scheduler's job, driven by Len and the length observer.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	items deque.Deque

	finished bool
	stopped  bool
	stopCh   chan struct{}

	observer LengthObserver
}

// NewQueue creates an empty queue. The observer may be nil.
func NewQueue(observer LengthObserver) *Queue {
	q := &Queue{
		stopCh:   make(chan struct{}),
		observer: observer,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a record to the tail and wakes a blocked Pull. It reports
// false once the queue is finished or stopped; the record is dropped in
// that case. Push never blocks.
func (q *Queue) Push(rec models.Record) bool {
	q.mu.Lock()
	if q.finished || q.stopped {
		q.mu.Unlock()
		return false
	}
	q.items.PushBack(rec)
	length := q.items.Len()
	q.cond.Signal()
	q.mu.Unlock()

	if q.observer != nil {
		q.observer(length)
	}
	return true
}

// Pull removes and returns the head record. While the queue is empty and
// neither finished nor stopped, Pull blocks on a condition variable; it
// never spins. It returns ok=false (end-of-sequence) immediately after a
// stop request, or once the queue is finished and drained.
func (q *Queue) Pull() (models.Record, bool) {
	q.mu.Lock()
	for {
		if q.stopped {
			q.mu.Unlock()
			return nil, false
		}
		if q.items.Len() > 0 {
			head, _ := q.items.PopFront()
			length := q.items.Len()
			q.mu.Unlock()

			if q.observer != nil {
				q.observer(length)
			}
			return head.(models.Record), true
		}
		if q.finished {
			q.mu.Unlock()
			return nil, false
		}
		q.cond.Wait()
	}
}

// Len returns the buffered record count without blocking.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Finish marks the queue as complete: no further pushes are accepted and
// blocked pulls wake to observe end-of-sequence once drained. Idempotent.
func (q *Queue) Finish() {
	q.mu.Lock()
	if !q.finished {
		q.finished = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

// RequestStop signals consumer-side early termination. Subsequent pulls
// return end-of-sequence immediately and the producer observes the stop on
// its next loop iteration. Idempotent; not an error condition.
func (q *Queue) RequestStop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.stopCh)
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

// Finished reports whether Finish has been called.
func (q *Queue) Finished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished
}

// Stopped reports whether RequestStop has been called.
func (q *Queue) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// Done returns a channel closed on the first RequestStop. The scheduler
// selects on it while parked so a stop also releases the source.
func (q *Queue) Done() <-chan struct{} {
	return q.stopCh
}
