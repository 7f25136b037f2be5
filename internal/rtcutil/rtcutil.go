// Package rtcutil implements the real-time clock utility routines:
// wall-clock read/update plus an "absolute difference from now" helper.
// The original's rtc_validated flag is part of the POST client's RTC-
// adoption contract, so it lives with rtcutil rather than duplicated at
// each call site.
package rtcutil

import (
	"sync/atomic"
	"time"
)

// Clock is the wall-clock dependency, overridable in tests.
type Clock interface {
	Now() time.Time
	Set(time.Time)
}

// systemClock is the production Clock.
type systemClock struct {
	offset atomic.Int64 // nanoseconds added to time.Now() by Set, for test/sim use
}

// NewSystemClock returns a Clock backed by the real wall clock. Set adjusts
// an offset rather than the OS clock -- adjusting the OS clock from inside
// this process is the responsibility of a platform-specific RTC driver this
// package does not own.
func NewSystemClock() Clock {
	return &systemClock{}
}

func (c *systemClock) Now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

func (c *systemClock) Set(t time.Time) {
	c.offset.Store(int64(t.Sub(time.Now())))
}

// Str returns the current RTC time as an ASCII string, matching rtc_str's
// output shape (no trailing newline).
func Str(clk Clock) string {
	return clk.Now().UTC().Format("Mon Jan  2 15:04:05 2006")
}

// Diff returns the absolute difference between compVal and the current RTC
// time as a Duration, matching rtc_diff.
func Diff(clk Clock, compVal time.Time) time.Duration {
	d := clk.Now().Sub(compVal)
	if d < 0 {
		d = -d
	}
	return d
}

// Validated tracks whether the device clock has been confirmed close to
// the server's clock by the POST client's RTC-adoption logic. It gates
// whether the supervisor may push the device time onto the weather
// station.
type Validated struct {
	valid atomic.Bool
}

// Get reports the current validated state.
func (v *Validated) Get() bool { return v.valid.Load() }

// Set updates the validated state.
func (v *Validated) Set(ok bool) { v.valid.Store(ok) }
