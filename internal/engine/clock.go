package engine

import "sync/atomic"

// Clock is the monotonic arrival clock. Every event admitted at ingress
// is stamped with a strictly increasing sequence number, fixing the
// order in which matcher state observes events regardless of which
// producer thread delivered them.
//
// Thread-safety: atomic operations; producers call Next concurrently.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number. Calls are linearizable - each
// returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the latest issued sequence number without advancing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
