// Package clock provides the monotonic/UTC time source shared by every other package.
package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic tick source with a settable UTC offset, adjustable from an HTTP Date
// header. Reads of the monotonic tick are lock-free; UTC computation takes a small mutex.
type Clock struct {
	start time.Time

	mu     sync.RWMutex
	offset time.Duration // utcNow - monotonicNow, updated by SetUTC
}

// New returns a Clock whose monotonic epoch is the moment of creation.
func New() *Clock {
	now := time.Now()
	return &Clock{
		start:  now,
		offset: 0,
	}
}

// Now returns the monotonic running time since the Clock was created.
func (c *Clock) Now() time.Duration {
	return time.Since(c.start)
}

// UTC returns the current wall-clock estimate: the monotonic tick skewed by the last offset
// applied via SetUTC.
func (c *Clock) UTC() time.Time {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return c.start.Add(c.Now()).Add(offset)
}

// SetUTC adjusts the offset so that UTC() returns now at this instant. Called when an HTTP Date
// response header arrives.
func (c *Clock) SetUTC(now time.Time) {
	mono := c.start.Add(c.Now())
	c.mu.Lock()
	c.offset = now.Sub(mono)
	c.mu.Unlock()
}
