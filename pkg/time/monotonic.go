package time

import (
	"sync"
	"time"
)

// Clock measures time since server start, used for session expiry.
type Clock interface {
	Elapsed() time.Duration
	ExpiresAt(ttl time.Duration) time.Duration
}

// clock provides monotonic time since server start
// we will use time.Since which uses monotonic clock under the hood
// time.Now is not monotonic and can go backwards if system time is changed
// we will always move forward in monotonic time relative to a fixed start time
type MonotonicClock struct {
	startTime time.Time
}

func NewClock() *MonotonicClock {
	return &MonotonicClock{
		startTime: time.Now(),
	}
}

// duration since server start
// this duration is monotonic and always moves forward
func (c *MonotonicClock) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

// returns the expiration time given a TTL
// expiration time is monotonic time since server start
func (c *MonotonicClock) ExpiresAt(ttl time.Duration) time.Duration {
	return c.Elapsed() + ttl
}

// ManualClock only moves when told to. Tests use it to expire sessions
// deterministically.
type ManualClock struct {
	mu  sync.Mutex
	now time.Duration
}

func NewManualClock() *ManualClock {
	return &ManualClock{}
}

func (c *ManualClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) ExpiresAt(ttl time.Duration) time.Duration {
	return c.Elapsed() + ttl
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}
