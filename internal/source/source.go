// Package source provides the data source enumerators that feed
// subscription queues. Every enumerator exposes the same narrow surface:
// Next advances one step, Current returns the record at the cursor, Err
// reports a terminal fault after Next returns false, and Close releases the
// underlying resource. Enumerators are owned by a single producer
// goroutine and are not safe for concurrent use.
package source

import (
	"marketfeed/models"
)

// Slice replays an in-memory sequence of records in order. It backs
// backfill replays and is the reference enumerator in tests.
type Slice struct {
	records []models.Record
	cursor  int
	current models.Record
	closed  bool
}

// NewSlice creates an enumerator over the provided records. The slice is
// not copied; the caller must not mutate it afterwards.
func NewSlice(records []models.Record) *Slice {
	return &Slice{records: records, cursor: -1}
}

func (s *Slice) Next() bool {
	if s.closed || s.cursor+1 >= len(s.records) {
		s.current = nil
		return false
	}
	s.cursor++
	s.current = s.records[s.cursor]
	return true
}

func (s *Slice) Current() models.Record {
	return s.current
}

func (s *Slice) Err() error {
	return nil
}

func (s *Slice) Close() error {
	s.closed = true
	s.current = nil
	return nil
}
