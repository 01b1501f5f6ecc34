package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketfeed/logger"
	"marketfeed/models"
)

// sliceEnum is a minimal in-memory enumerator for producer tests. It
// records whether Close was called so every exit path can be checked.
type sliceEnum struct {
	records []models.Record
	cursor  int
	failAt  int
	err     error
	closed  bool
}

func newSliceEnum(n int) *sliceEnum {
	records := make([]models.Record, n)
	for i := range records {
		records[i] = tickRecord("BTCUSDT", i)
	}
	return &sliceEnum{records: records, cursor: -1, failAt: -1}
}

func (e *sliceEnum) Next() bool {
	if e.closed {
		return false
	}
	next := e.cursor + 1
	if e.failAt >= 0 && next >= e.failAt {
		e.err = errors.New("simulated source fault")
		return false
	}
	if next >= len(e.records) {
		return false
	}
	e.cursor = next
	return true
}

func (e *sliceEnum) Current() models.Record {
	return e.records[e.cursor]
}

func (e *sliceEnum) Err() error { return e.err }

func (e *sliceEnum) Close() error {
	e.closed = true
	return nil
}

func testLog() *logger.Entry {
	return logger.GetLogger().WithComponent("feed_test")
}

func startScheduler(t *testing.T, enum Enumerator, marks Watermarks, transform Transform) (*Scheduler, *Queue) {
	t.Helper()
	if transform == nil {
		transform = func(rec models.Record) (models.Record, error) { return rec, nil }
	}
	sched := newScheduler(enum, transform, marks, testLog())
	queue := NewQueue(sched.onLength)
	sched.queue = queue
	sched.start(context.Background())
	return sched, queue
}

func waitDone(t *testing.T, sched *Scheduler) {
	t.Helper()
	select {
	case <-sched.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not terminate")
	}
}

func TestSchedulerDrainsSmallSource(t *testing.T) {
	enum := newSliceEnum(100)
	sched, queue := startScheduler(t, enum, Watermarks{Low: 250, High: 5000}, nil)

	for i := 0; i < 100; i++ {
		rec, ok := queue.Pull()
		if !ok {
			t.Fatalf("unexpected end-of-sequence at record %d", i)
		}
		if got := rec.RecordMeta().Time.Unix(); got != int64(i) {
			t.Fatalf("record %d out of order: got %d", i, got)
		}
	}
	if _, ok := queue.Pull(); ok {
		t.Fatal("expected end-of-sequence after exhaustion")
	}

	waitDone(t, sched)
	if sched.Err() != nil {
		t.Fatalf("unexpected producer error: %v", sched.Err())
	}
	if !enum.closed {
		t.Fatal("enumerator not closed after exhaustion")
	}
	if !queue.Finished() {
		t.Fatal("queue not finished after exhaustion")
	}
}

func TestSchedulerSuspendsAtHighWatermark(t *testing.T) {
	marks := Watermarks{Low: 5, High: 50}
	enum := newSliceEnum(1000)
	_, queue := startScheduler(t, enum, marks, nil)

	// With no consumer the producer must park at the watermark instead of
	// draining the whole source into memory.
	deadline := time.After(2 * time.Second)
	for queue.Len() <= marks.High {
		select {
		case <-deadline:
			t.Fatalf("producer never reached the high watermark, backlog %d", queue.Len())
		case <-time.After(5 * time.Millisecond):
		}
	}

	time.Sleep(100 * time.Millisecond)
	backlog := queue.Len()
	if backlog > marks.High+graceWindow+1 {
		t.Fatalf("backlog %d overshot the high watermark %d", backlog, marks.High)
	}
	if queue.Finished() {
		t.Fatal("queue finished while the producer should be suspended")
	}
}

func TestSchedulerResumesAfterDrain(t *testing.T) {
	marks := Watermarks{Low: 5, High: 50}
	const total = 500
	enum := newSliceEnum(total)
	sched, queue := startScheduler(t, enum, marks, nil)

	seen := 0
	for {
		rec, ok := queue.Pull()
		if !ok {
			break
		}
		if got := rec.RecordMeta().Time.Unix(); got != int64(seen) {
			t.Fatalf("record %d out of order: got %d", seen, got)
		}
		seen++
	}
	if seen != total {
		t.Fatalf("expected %d records across suspensions, got %d", total, seen)
	}

	waitDone(t, sched)
	if sched.Err() != nil {
		t.Fatalf("unexpected producer error: %v", sched.Err())
	}
	if !enum.closed {
		t.Fatal("enumerator not closed")
	}
}

func TestSchedulerStaysParkedUntilLowWatermark(t *testing.T) {
	marks := Watermarks{Low: 2, High: 5}
	enum := newSliceEnum(100)
	sched, queue := startScheduler(t, enum, marks, nil)

	// With no consumer the producer parks after High+1 pushes.
	deadline := time.After(2 * time.Second)
	for queue.Len() != marks.High+1 {
		select {
		case <-deadline:
			t.Fatalf("producer never parked at the watermark, backlog %d", queue.Len())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := sched.Suspensions(); got != 1 {
		t.Fatalf("expected 1 suspension, got %d", got)
	}

	// Drain to one above the low watermark. The producer must stay parked.
	for queue.Len() > marks.Low+1 {
		if _, ok := queue.Pull(); !ok {
			t.Fatal("unexpected end-of-sequence while draining")
		}
	}
	time.Sleep(100 * time.Millisecond)
	if got := queue.Len(); got != marks.Low+1 {
		t.Fatalf("producer resumed above the low watermark, backlog %d", got)
	}
	if got := sched.Suspensions(); got != 1 {
		t.Fatalf("expected producer to remain parked, suspensions %d", got)
	}

	// One more pull reaches the low watermark and re-arms the producer.
	if _, ok := queue.Pull(); !ok {
		t.Fatal("unexpected end-of-sequence on final drain")
	}
	deadline = time.After(2 * time.Second)
	for queue.Len() <= marks.Low+1 {
		select {
		case <-deadline:
			t.Fatalf("producer did not resume after draining to the low watermark, backlog %d", queue.Len())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSchedulerIgnoresStaleWake(t *testing.T) {
	marks := Watermarks{Low: 2, High: 5}
	enum := newSliceEnum(100)
	transform := func(rec models.Record) (models.Record, error) { return rec, nil }
	sched := newScheduler(enum, transform, marks, testLog())
	queue := NewQueue(sched.onLength)
	sched.queue = queue

	// A drain observed during an earlier resume can leave a token in the
	// re-arm gate. Plant one before the producer ever parks; it must not
	// resume the producer while the backlog sits above the low watermark.
	sched.armed.Store(true)
	sched.onLength(marks.Low)
	sched.armed.Store(false)

	sched.start(context.Background())

	deadline := time.After(2 * time.Second)
	for queue.Len() != marks.High+1 {
		select {
		case <-deadline:
			t.Fatalf("producer never parked at the watermark, backlog %d", queue.Len())
		case <-time.After(5 * time.Millisecond):
		}
	}

	time.Sleep(100 * time.Millisecond)
	if got := queue.Len(); got != marks.High+1 {
		t.Fatalf("stale wake resumed the parked producer, backlog %d", got)
	}
	if got := sched.Suspensions(); got != 1 {
		t.Fatalf("expected a single suspension, got %d", got)
	}

	queue.RequestStop()
	waitDone(t, sched)
}

func TestSchedulerStopReleasesSuspendedProducer(t *testing.T) {
	marks := Watermarks{Low: 5, High: 50}
	enum := newSliceEnum(1000)
	sched, queue := startScheduler(t, enum, marks, nil)

	deadline := time.After(2 * time.Second)
	for queue.Len() <= marks.High {
		select {
		case <-deadline:
			t.Fatal("producer never suspended")
		case <-time.After(5 * time.Millisecond):
		}
	}

	queue.RequestStop()
	waitDone(t, sched)

	if sched.Err() != nil {
		t.Fatalf("stop must not surface as an error, got %v", sched.Err())
	}
	if !enum.closed {
		t.Fatal("enumerator not closed after stop")
	}
	if _, ok := queue.Pull(); ok {
		t.Fatal("expected end-of-sequence after stop")
	}
}

func TestSchedulerStopObservedMidStream(t *testing.T) {
	enum := newSliceEnum(100000)
	sched, queue := startScheduler(t, enum, Watermarks{Low: 500, High: 10000}, nil)

	for i := 0; i < 3; i++ {
		if _, ok := queue.Pull(); !ok {
			t.Fatalf("unexpected end-of-sequence at record %d", i)
		}
	}
	queue.RequestStop()
	waitDone(t, sched)

	if sched.Err() != nil {
		t.Fatalf("unexpected error after stop: %v", sched.Err())
	}
	if !enum.closed {
		t.Fatal("enumerator not closed after stop")
	}
	if enum.cursor >= len(enum.records)-1 {
		t.Fatal("producer drained the whole source despite the stop")
	}
}

func TestSchedulerSourceFault(t *testing.T) {
	enum := newSliceEnum(100)
	enum.failAt = 10
	sched, queue := startScheduler(t, enum, Watermarks{Low: 250, High: 5000}, nil)

	seen := 0
	for {
		_, ok := queue.Pull()
		if !ok {
			break
		}
		seen++
	}
	if seen != 10 {
		t.Fatalf("expected 10 records before the fault, got %d", seen)
	}

	waitDone(t, sched)
	if sched.Err() == nil {
		t.Fatal("expected producer error after source fault")
	}
	if !enum.closed {
		t.Fatal("enumerator not closed after fault")
	}
	if !queue.Finished() {
		t.Fatal("queue not finished after fault")
	}
}

func TestSchedulerTransformApplied(t *testing.T) {
	enum := newSliceEnum(5)
	shifted := func(rec models.Record) (models.Record, error) {
		tick := rec.(models.Tick)
		tick.Symbol = "TRANSFORMED"
		return tick, nil
	}
	sched, queue := startScheduler(t, enum, Watermarks{Low: 250, High: 5000}, shifted)

	for i := 0; i < 5; i++ {
		rec, ok := queue.Pull()
		if !ok {
			t.Fatalf("unexpected end-of-sequence at record %d", i)
		}
		if rec.RecordMeta().Symbol != "TRANSFORMED" {
			t.Fatalf("transform not applied: %+v", rec.RecordMeta())
		}
	}
	waitDone(t, sched)
}

func TestSchedulerTransformFault(t *testing.T) {
	enum := newSliceEnum(100)
	count := 0
	failing := func(rec models.Record) (models.Record, error) {
		count++
		if count > 4 {
			return nil, errors.New("simulated transform fault")
		}
		return rec, nil
	}
	sched, queue := startScheduler(t, enum, Watermarks{Low: 250, High: 5000}, failing)

	seen := 0
	for {
		_, ok := queue.Pull()
		if !ok {
			break
		}
		seen++
	}
	if seen != 4 {
		t.Fatalf("expected 4 records before the transform fault, got %d", seen)
	}

	waitDone(t, sched)
	if sched.Err() == nil {
		t.Fatal("expected producer error after transform fault")
	}
	if !enum.closed {
		t.Fatal("enumerator not closed after transform fault")
	}
}

func TestSchedulerContextCancelReleasesSuspendedProducer(t *testing.T) {
	marks := Watermarks{Low: 5, High: 50}
	enum := newSliceEnum(1000)
	transform := func(rec models.Record) (models.Record, error) { return rec, nil }
	sched := newScheduler(enum, transform, marks, testLog())
	queue := NewQueue(sched.onLength)
	sched.queue = queue

	ctx, cancel := context.WithCancel(context.Background())
	sched.start(ctx)

	deadline := time.After(2 * time.Second)
	for queue.Len() <= marks.High {
		select {
		case <-deadline:
			t.Fatal("producer never suspended")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	waitDone(t, sched)
	if !enum.closed {
		t.Fatal("enumerator not closed after context cancellation")
	}
}
