package clock

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced clock for deterministic billing tests:
// ledger timestamps, cache TTL expiry, and pricing effective-from dates all
// read from it. Time only moves when a test calls Advance.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Safe to call while services read
// Now from other goroutines.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
