package engine

import "sync/atomic"

// Clock is the monotonic logical clock stamping every ledger write.
//
// All lineage records carry a strictly increasing seq number from this
// clock, so causal order survives replay and resume without wall-clock
// race conditions.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations),
// though the engine's single-writer design means only one goroutine
// typically calls Next().
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock starting at a specific sequence number.
// Used on resume so post-crash writes continue past the checkpointed
// position instead of reusing sequence numbers.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
// Used when checkpointing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
