package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"marketfeed/logger"
	"marketfeed/models"
)

// Enumerator is the narrow seam to a data source. The feed only ever
// advances, reads the current record and closes; it never peeks or resets.
// After Next returns false, Err distinguishes exhaustion (nil) from a
// source fault.
type Enumerator interface {
	Next() bool
	Current() models.Record
	Err() error
	Close() error
}

// Transform converts a raw source record into the consumer-facing record.
// It must be pure: no blocking, no pushes. A transform error fails the
// subscription the same way a source fault does.
type Transform func(models.Record) (models.Record, error)

// graceWindow is how many pushes a work unit makes before taking its single
// reading of the queue's true length. Checking once instead of on every
// push bounds the cost of the shared counter; afterwards the unit's local
// push counter caps the invocation against the high watermark directly.
const graceWindow = 10

type unitStatus int

const (
	unitFinished unitStatus = iota
	unitSuspended
	unitStopped
	unitFailed
)

// notifier is a capacity-1 re-arm gate: notifying an already-armed gate is
// a no-op, so drain observers can fire it without ever blocking.
type notifier struct {
	ch chan struct{}
}

func newNotifier() notifier {
	return notifier{ch: make(chan struct{}, 1)}
}

func (n notifier) notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Scheduler owns a subscription's producer goroutine. The work unit drains
// the source enumerator into the queue until the source is exhausted, the
// consumer requests a stop, or the high watermark is hit; on a watermark
// suspension it parks until the queue has drained to the low watermark.
// The enumerator is closed on every exit path.
type Scheduler struct {
	queue     *Queue
	enum      Enumerator
	transform Transform
	marks     Watermarks

	armed       atomic.Bool
	rearm       notifier
	suspensions atomic.Int64
	done        chan struct{}
	errMu       sync.Mutex
	outErr      error

	log *logger.Entry
}

func newScheduler(enum Enumerator, transform Transform, marks Watermarks, log *logger.Entry) *Scheduler {
	return &Scheduler{
		enum:      enum,
		transform: transform,
		marks:     marks,
		rearm:     newNotifier(),
		done:      make(chan struct{}),
		log:       log,
	}
}

// onLength is the queue's length observer. It re-arms a suspended producer
// once the backlog has drained to the low watermark.
func (s *Scheduler) onLength(length int) {
	if s.armed.Load() && length <= s.marks.Low {
		s.rearm.notify()
	}
}

func (s *Scheduler) start(ctx context.Context) {
	go s.run(ctx)
}

// Done is closed once the producer goroutine has fully terminated and the
// enumerator has been closed.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Suspensions returns how many times the producer has parked at the high
// watermark since the subscription started.
func (s *Scheduler) Suspensions() int64 {
	return s.suspensions.Load()
}

// Err returns the terminal producer error, if any. Consumer-requested stops
// and natural exhaustion leave it nil.
func (s *Scheduler) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.outErr
}

func (s *Scheduler) setErr(err error) {
	s.errMu.Lock()
	s.outErr = err
	s.errMu.Unlock()
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if err := s.enum.Close(); err != nil {
			s.log.WithError(err).Warn("failed to close source enumerator")
		}
	}()

	for {
		switch s.produce() {
		case unitFinished:
			s.log.Info("source exhausted, queue finished")
			return
		case unitStopped:
			s.log.Info("stop requested, releasing source")
			return
		case unitFailed:
			s.log.WithError(s.Err()).Error("subscription failed")
			return
		case unitSuspended:
			s.suspensions.Add(1)
			s.log.WithFields(logger.Fields{
				"backlog": s.queue.Len(),
				"low":     s.marks.Low,
				"high":    s.marks.High,
			}).Debug("backlog above high watermark, suspending producer")

			// Arm before sampling the length so a drain landing between the
			// two cannot be missed.
			s.armed.Store(true)
			if s.queue.Len() <= s.marks.Low {
				s.rearm.notify()
			}

			parked := true
			for parked {
				select {
				case <-s.rearm.ch:
					// A wake is a hint, not a guarantee: a token deposited
					// by a drain observed during an earlier resume can
					// still sit in the gate. Stay parked until the backlog
					// has actually drained.
					if s.queue.Len() > s.marks.Low {
						continue
					}
					s.armed.Store(false)
					s.log.Debug("backlog drained to low watermark, resuming producer")
					parked = false
				case <-s.queue.Done():
					s.armed.Store(false)
					s.log.Info("stop requested while suspended, releasing source")
					return
				case <-ctx.Done():
					s.armed.Store(false)
					s.log.Info("context cancelled while suspended, releasing source")
					return
				}
			}
		}
	}
}

// produce is one work unit invocation: advance, transform, push, until the
// source ends, the consumer stops, or the watermark forces a suspension.
func (s *Scheduler) produce() unitStatus {
	pushed := 0
	checked := false

	for {
		if !s.enum.Next() {
			if err := s.enum.Err(); err != nil {
				s.setErr(fmt.Errorf("source advance failed: %w", err))
				s.queue.Finish()
				return unitFailed
			}
			s.queue.Finish()
			return unitFinished
		}

		if s.queue.Stopped() {
			return unitStopped
		}

		rec, err := s.transform(s.enum.Current())
		if err != nil {
			s.setErr(fmt.Errorf("transform failed: %w", err))
			s.queue.Finish()
			return unitFailed
		}
		s.queue.Push(rec)
		pushed++

		if !checked && pushed > graceWindow {
			checked = true
			if s.queue.Len() > s.marks.High {
				return unitSuspended
			}
		}
		if pushed > s.marks.High {
			return unitSuspended
		}
	}
}
