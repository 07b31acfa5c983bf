package router

import "time"

// Clock is the time source for the debounce gate. It must be monotonic:
// time.Now values carry a monotonic reading and Sub uses it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now
type SystemClock struct{}

// Now implements Clock
func (SystemClock) Now() time.Time { return time.Now() }

// Debounce enforces a minimum interval between forwarded candidates.
//
// The first call after construction or Reset always passes. Not safe for
// concurrent use: the router calls it from the frame delivery goroutine only.
type Debounce struct {
	interval time.Duration
	clock    Clock

	last    time.Time
	hasLast bool
}

// NewDebounce creates a gate with the given minimum interval
func NewDebounce(interval time.Duration, clock Clock) *Debounce {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Debounce{interval: interval, clock: clock}
}

// Allow reports whether a candidate may be forwarded now, and records the
// forward time when it may.
func (d *Debounce) Allow() bool {
	now := d.clock.Now()
	if d.hasLast && now.Sub(d.last) < d.interval {
		return false
	}
	d.last = now
	d.hasLast = true
	return true
}

// Reset clears the last forward time (new session)
func (d *Debounce) Reset() {
	d.last = time.Time{}
	d.hasLast = false
}

// Last returns the last forward time and whether one exists
func (d *Debounce) Last() (time.Time, bool) {
	return d.last, d.hasLast
}

// Interval returns the configured minimum interval
func (d *Debounce) Interval() time.Duration {
	return d.interval
}
