// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time moves only through
// Advance, so a test controls exactly when debounce timers and backoff
// waits fire.
func Fake(initial time.Time) *FakeClock {
	fc := &FakeClock{now: initial}
	fc.armed = sync.NewCond(&fc.mu)
	return fc
}

// FakeClock is the deterministic Clock tests inject. Every After and
// AfterFunc registers a pending entry; Advance moves the clock and
// fires the entries whose deadlines it passed, in deadline order.
//
// AfterFunc callbacks run synchronously inside Advance, on the
// advancing goroutine. A callback must not call Advance itself.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	armed   *sync.Cond
}

// fakeTimer is one pending After channel or AfterFunc callback.
type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time // After
	fn       func()         // AfterFunc
	disarmed bool           // stopped or already fired
}

// Now returns the frozen current time.
func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

// After registers a channel delivery at now+d. Non-positive d delivers
// before After returns, without registering anything.
func (fc *FakeClock) After(d time.Duration) <-chan time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- fc.now
		return ch
	}
	fc.arm(&fakeTimer{deadline: fc.now.Add(d), ch: ch})
	return ch
}

// AfterFunc registers f to run at now+d. Non-positive d runs f before
// AfterFunc returns.
func (fc *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	fc.mu.Lock()
	ft := &fakeTimer{deadline: fc.now.Add(d), fn: f}
	fc.arm(ft)
	fc.mu.Unlock()

	return &Timer{
		stop: func() bool {
			fc.mu.Lock()
			defer fc.mu.Unlock()
			if ft.disarmed {
				return false
			}
			ft.disarmed = true
			return true
		},
		reset: func(d time.Duration) bool {
			fc.mu.Lock()
			defer fc.mu.Unlock()
			active := !ft.disarmed
			ft.deadline = fc.now.Add(d)
			if !active {
				// The fired or stopped entry was dropped from the
				// pending list; re-arm it.
				ft.disarmed = false
				fc.arm(ft)
			}
			return active
		},
	}
}

// arm appends the timer and wakes WaitForTimers. Caller holds fc.mu.
func (fc *FakeClock) arm(ft *fakeTimer) {
	fc.pending = append(fc.pending, ft)
	fc.armed.Broadcast()
}

// Advance moves the clock forward by d and fires everything whose
// deadline it passed, in deadline order. Callbacks that arm new timers
// within the advanced window are fired in the same call.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	target := fc.now
	fc.mu.Unlock()

	for {
		due := fc.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, ft := range due {
			switch {
			case ft.fn != nil:
				ft.fn()
			case ft.ch != nil:
				select {
				case ft.ch <- target:
				default:
				}
			}
		}
	}
}

// takeDue removes and returns the pending timers at or before target,
// marking them fired. Stopped entries are discarded along the way.
func (fc *FakeClock) takeDue(target time.Time) []*fakeTimer {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	var due, keep []*fakeTimer
	for _, ft := range fc.pending {
		switch {
		case ft.disarmed:
		case ft.deadline.After(target):
			keep = append(keep, ft)
		default:
			ft.disarmed = true
			due = append(due, ft)
		}
	}
	fc.pending = keep
	return due
}

// WaitForTimers blocks until at least n timers are armed. It closes the
// race between a goroutine arming its timer and the test advancing the
// clock: wait for the registration, then Advance fires it.
func (fc *FakeClock) WaitForTimers(n int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for fc.armedCount() < n {
		fc.armed.Wait()
	}
}

// PendingCount reports how many timers are currently armed.
func (fc *FakeClock) PendingCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.armedCount()
}

func (fc *FakeClock) armedCount() int {
	n := 0
	for _, ft := range fc.pending {
		if !ft.disarmed {
			n++
		}
	}
	return n
}
