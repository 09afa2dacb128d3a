package common

import (
	"sync"
	"time"
)

// Clock source of the current time
type Clock interface {
	Now() time.Time
}

// RealClock Clock backed by the system time
type RealClock struct{}

// Now return the current system time
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// ManualClock Clock which only moves when told to
type ManualClock struct {
	lock    sync.Mutex
	current time.Time
}

// NewManualClock define a new manual clock starting at the given time
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{current: start}
}

// Now return the current manual time
func (c *ManualClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.current
}

// Set change the current manual time
func (c *ManualClock) Set(t time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.current = t
}

// Advance move the manual time forward
func (c *ManualClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.current = c.current.Add(d)
}
