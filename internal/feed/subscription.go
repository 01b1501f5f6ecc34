package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketfeed/logger"
	"marketfeed/models"
)

// TimeOffsetProvider supplies the exchange-local display offset for a
// subscription. It is an external collaborator; the feed core only carries
// it to the reading side.
type TimeOffsetProvider interface {
	Offset(t time.Time) time.Duration
}

// Request describes a subscription to one symbol at one resolution.
type Request struct {
	Exchange   string
	Symbol     string
	Resolution models.Resolution
	// Offset is optional; when nil, LocalTime is the identity.
	Offset TimeOffsetProvider
}

// Subscription is the consumer-facing handle over one bounded queue and its
// producer. It is pure composition: Next, Stop and Backlog delegate to the
// queue, Err and Done to the scheduler.
type Subscription struct {
	ID      uuid.UUID
	Request Request

	queue *Queue
	sched *Scheduler
	marks Watermarks
}

// Subscribe binds a source enumerator to a new bounded queue and starts the
// producer. An unrecognized resolution is a fatal configuration error and
// is reported here, before any data flows. The transform may be nil, in
// which case records pass through unchanged.
func Subscribe(ctx context.Context, req Request, enum Enumerator, transform Transform) (*Subscription, error) {
	if enum == nil {
		return nil, fmt.Errorf("subscription requires a source enumerator")
	}

	marks, err := WatermarksFor(req.Resolution)
	if err != nil {
		return nil, fmt.Errorf("subscription setup for %s/%s: %w", req.Exchange, req.Symbol, err)
	}

	if transform == nil {
		transform = func(rec models.Record) (models.Record, error) { return rec, nil }
	}

	id := uuid.New()
	log := logger.GetLogger().WithComponent("feed").WithFields(logger.Fields{
		"subscription": id.String(),
		"exchange":     req.Exchange,
		"symbol":       req.Symbol,
		"resolution":   req.Resolution.String(),
	})

	sched := newScheduler(enum, transform, marks, log)
	queue := NewQueue(sched.onLength)
	sched.queue = queue

	sub := &Subscription{
		ID:      id,
		Request: req,
		queue:   queue,
		sched:   sched,
		marks:   marks,
	}

	log.WithFields(logger.Fields{
		"low_watermark":  marks.Low,
		"high_watermark": marks.High,
	}).Info("subscription started")

	sched.start(ctx)
	return sub, nil
}

// Next blocks until the next record is available and returns it in source
// order. ok is false at end-of-sequence: after exhaustion once the backlog
// is drained, or immediately after Stop.
func (s *Subscription) Next() (models.Record, bool) {
	return s.queue.Pull()
}

// Stop requests early termination from the consumer side. The producer
// releases the source within one advance call; pending and future Next
// calls return end-of-sequence. Stopping is not a failure.
func (s *Subscription) Stop() {
	s.queue.RequestStop()
}

// Backlog returns the current buffered record count.
func (s *Subscription) Backlog() int {
	return s.queue.Len()
}

// Suspensions returns how many times the producer has parked at the high
// watermark.
func (s *Subscription) Suspensions() int64 {
	return s.sched.Suspensions()
}

// Watermarks returns the flow-control thresholds selected for this
// subscription's resolution.
func (s *Subscription) Watermarks() Watermarks {
	return s.marks
}

// Err reports the terminal producer error after Done is closed; nil for
// natural exhaustion and consumer stops.
func (s *Subscription) Err() error {
	return s.sched.Err()
}

// Done is closed once the producer has terminated and released the source.
func (s *Subscription) Done() <-chan struct{} {
	return s.sched.Done()
}

// LocalTime shifts t by the subscription's time offset, when a provider was
// supplied with the request.
func (s *Subscription) LocalTime(t time.Time) time.Time {
	if s.Request.Offset == nil {
		return t
	}
	return t.Add(s.Request.Offset.Offset(t))
}
