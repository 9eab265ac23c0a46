package testutil

import "sync"

// ManualClock is a thread-safe wall clock for tests, in Unix milliseconds.
//
// It never moves on its own: Now returns the same value until Advance or
// Set is called. Keepers stamping several changes against a frozen clock
// must still produce strictly increasing times.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu    sync.Mutex
	now   int64
	start int64
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start int64) *ManualClock {
	return &ManualClock{now: start, start: start}
}

// Now returns the current time. It is usable as a keeper's clock function.
func (c *ManualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d milliseconds and returns the new time.
func (c *ManualClock) Advance(d int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
	return c.now
}

// Set moves the clock to t. Tests may move it backwards to simulate a
// wall-clock step.
func (c *ManualClock) Set(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Reset moves the clock back to its start time.
func (c *ManualClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
