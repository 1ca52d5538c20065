package sim

import (
	"sync"
	"time"
)

// RealClock uses wall time.
type RealClock struct{}

func (RealClock) Now() time.Time        { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

// FakeClock advances only when Sleep is called. Each Sleep yields briefly
// so goroutines racing the caller get to run.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time

	// Slept is the total simulated time spent in Sleep.
	Slept time.Duration
}

// NewFakeClock returns a clock starting at an arbitrary fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2011, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.Slept += d
	c.mu.Unlock()
	time.Sleep(50 * time.Microsecond)
}
