// Package clock provides the time source used for message timestamps and diagnostics.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// Func adapts a plain function to Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time { return f() }

// Millis returns the clock's current time as epoch milliseconds.
// A nil clock falls back to the system clock.
func Millis(c Clock) int64 {
	if c == nil {
		c = System{}
	}
	return c.Now().UnixMilli()
}

// FromMillis converts epoch milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
