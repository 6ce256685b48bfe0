// Package system provides the wall clock used to stamp route records.
package system

import "time"

// Precision is the resolution of stamped times. Every store backend can
// persist milliseconds exactly, so a record reads back with the timestamp it
// was written with.
const Precision = time.Millisecond

// Clock implements routes.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to Precision.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}

// Frozen is a Clock pinned to a fixed instant until advanced.
type Frozen struct {
	now time.Time
}

// NewFrozen returns a Frozen clock at t.
func NewFrozen(t time.Time) *Frozen {
	return &Frozen{now: t.UTC().Truncate(Precision)}
}

// Now returns the pinned instant.
func (f *Frozen) Now() time.Time {
	return f.now
}

// Advance moves the clock forward by d.
func (f *Frozen) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}
