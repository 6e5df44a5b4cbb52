// Package testutil holds helpers shared by tests across packages.
package testutil

import "sync"

// DeterministicClock is a thread-safe monotonic millisecond clock for
// tests. Every call to Now advances time by one millisecond, so madeAt
// stamps are unique, ordered, and reproducible across runs.
type DeterministicClock struct {
	mu sync.Mutex
	ms int64
}

// NewDeterministicClock creates a clock starting at the given epoch
// millisecond. The first call to Now returns start+1.
func NewDeterministicClock(start int64) *DeterministicClock {
	return &DeterministicClock{ms: start}
}

// Now increments and returns the next millisecond timestamp.
func (c *DeterministicClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms++
	return c.ms
}

// Current returns the current timestamp without advancing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}
