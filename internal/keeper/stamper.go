package keeper

import (
	"sync/atomic"
	"time"
)

// Stamper hands out change times: wall-clock milliseconds, forced strictly
// increasing. When the wall clock has not advanced past the last stamp, the
// next stamp is the last one plus one.
//
// Thread-safety: Stamper is safe for concurrent use (atomic operations).
type Stamper struct {
	last atomic.Int64
	now  func() int64
}

// WallClock returns the current Unix time in milliseconds.
func WallClock() int64 {
	return time.Now().UnixMilli()
}

// NewStamper creates a stamper reading now. A nil now uses WallClock.
func NewStamper(now func() int64) *Stamper {
	if now == nil {
		now = WallClock
	}
	return &Stamper{now: now}
}

// NewStamperAt creates a stamper whose next stamp is greater than last.
// Used to resume after reopening a store.
func NewStamperAt(now func() int64, last int64) *Stamper {
	s := NewStamper(now)
	s.last.Store(last)
	return s
}

// Next returns the next change time.
// Calls are linearizable - each call returns a unique, increasing value.
func (s *Stamper) Next() int64 {
	t := s.now()
	for {
		last := s.last.Load()
		next := max(t, last+1)
		if s.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Now returns the wall clock without stamping.
func (s *Stamper) Now() int64 {
	return s.now()
}

// Last returns the most recent stamp.
func (s *Stamper) Last() int64 {
	return s.last.Load()
}

// Observe raises the last stamp to t, so local changes stamped afterwards
// sort after an imported change.
func (s *Stamper) Observe(t int64) {
	for {
		last := s.last.Load()
		if t <= last || s.last.CompareAndSwap(last, t) {
			return
		}
	}
}
