package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant a new Clock reports.
var Epoch = time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)

// Clock is a deterministic wall clock for tests. Each call to Now returns
// the previous instant plus Step, starting at Start.
//
// Safe for concurrent use.
type Clock struct {
	mu    sync.Mutex
	Start time.Time
	Step  time.Duration
	calls int64
}

// NewClock returns a clock starting at Epoch that advances one second per call.
func NewClock() *Clock {
	return &Clock{Start: Epoch, Step: time.Second}
}

// Now returns the next instant. Pass the method value as a store's Now option.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.Start.Add(time.Duration(c.calls) * c.Step)
	c.calls++
	return t
}

// Calls reports how many times Now has been called.
func (c *Clock) Calls() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Reset rewinds the clock so the next Now returns Start again.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = 0
}
