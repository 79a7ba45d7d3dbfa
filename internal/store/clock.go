package store

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing microsecond timestamps. Two messages
// created by the same process never share a sequence value, so ordering by
// sequence preserves per-connection send order even when the wall clock
// stalls or steps backwards.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock returns a clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns the next sequence value and the timestamp it encodes.
func (c *Clock) Next() (int64, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.now().UnixMicro()
	if seq <= c.last {
		seq = c.last + 1
	}
	c.last = seq
	return seq, time.UnixMicro(seq).UTC()
}

// Observe advances the clock past seq.
func (c *Clock) Observe(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.last {
		c.last = seq
	}
}
