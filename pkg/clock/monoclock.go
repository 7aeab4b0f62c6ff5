// Package clock provides a monotonic wall-clock sampler for components that
// need elapsed-time deltas (such as an EMA) without risking a negative delta
// when the system clock steps backward.
package clock

import (
	"sync"
	"time"
)

// WallClock returns the current wall-clock time. It exists so tests can
// inject a deterministic sequence of samples instead of the real clock.
type WallClock func() time.Time

// MonoClock samples a WallClock and guarantees the value returned by Sample
// never decreases across calls. If the underlying clock goes backward or
// stays equal, the previously returned value is re-returned.
//
// It does not claim any particular resolution; it only guarantees monotone
// non-decreasing output.
type MonoClock struct {
	mu     sync.Mutex
	source WallClock
	last   float64
}

// New returns a MonoClock backed by time.Now.
func New() *MonoClock {
	return NewWithSource(time.Now)
}

// NewWithSource returns a MonoClock backed by the given WallClock, for tests
// that need to drive a specific sequence of samples.
func NewWithSource(source WallClock) *MonoClock {
	return &MonoClock{source: source}
}

// Sample returns the current time, in seconds, as reported by the underlying
// WallClock, as long as it has increased since the previous sample.
func (c *MonoClock) Sample() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := secondsSince(c.source())
	if now-c.last > 0 {
		c.last = now
	}
	return c.last
}

func secondsSince(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
