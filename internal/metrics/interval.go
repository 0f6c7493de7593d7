package metrics

import "sync/atomic"

// IntervalCounter is a rotating event counter with an open "current"
// window and a frozen "previous" window. Events accumulate in current;
// the aggregation tick rotates current into previous and re-zeroes it.
// Reads never rotate.
//
// Both windows are single atomics, so Incr never takes a lock and every
// increment lands in exactly one window: an Incr racing Rotate is
// either captured by the Swap or applies to the fresh window.
type IntervalCounter struct {
	current  atomic.Int64
	previous atomic.Int64
}

// NewIntervalCounter returns a counter with both windows at zero.
func NewIntervalCounter() *IntervalCounter {
	return &IntervalCounter{}
}

// Incr adds n to the current window.
func (c *IntervalCounter) Incr(n int64) {
	c.current.Add(n)
}

// Rotate freezes the current window into previous and resets current to
// zero. Rotation is not idempotent on value: a second rotation with no
// intervening increments leaves previous at zero.
func (c *IntervalCounter) Rotate() {
	c.previous.Store(c.current.Swap(0))
}

// Current returns the value of the open window.
func (c *IntervalCounter) Current() int64 {
	return c.current.Load()
}

// Previous returns the value of the last closed window.
func (c *IntervalCounter) Previous() int64 {
	return c.previous.Load()
}
