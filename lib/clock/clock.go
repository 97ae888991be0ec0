// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time surface quarry code schedules against: reading the
// current time, waiting for a duration, and arming deferred callbacks.
// Production code takes a Clock in its config and defaults to Real();
// tests inject a FakeClock and drive it explicitly.
//
// Network deadlines (net.Conn.SetReadDeadline and friends) are the one
// exception: the kernel evaluates those against the real clock, so they
// use time.Now directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that delivers the fire time once d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc arms a timer that calls f once d has elapsed. The
	// returned Timer can be stopped or re-armed; its C field is nil,
	// matching time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is one armed deferred event. Timers come from AfterFunc; the
// zero value is not usable.
type Timer struct {
	// C is nil for AfterFunc timers, kept for parity with time.Timer.
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop disarms the timer. It reports whether the call disarmed it, as
// opposed to the timer having already fired or been stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Reset re-arms the timer to fire after d, reporting whether it was
// still armed. A fired or stopped timer is revived.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }
