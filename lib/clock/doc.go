// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock injects time into code that schedules work: the
// importer's debounce timers, the wire client's reconnect backoff, and
// the compiled cache's record timestamps all read their Clock from
// their config instead of calling the time package.
//
// Real() is the production clock. Fake(initial) is the test clock: time
// stands still until the test calls Advance, and WaitForTimers lets the
// test wait for a goroutine to arm its timer before advancing past it:
//
//	fc := clock.Fake(time.Unix(0, 0))
//	w, _ := importer.NewWatcher(importer.WatcherConfig{Clock: fc, ...})
//	// ... trigger a file event ...
//	fc.WaitForTimers(1)
//	fc.Advance(importer.DefaultDebounce)
//
// Library code must not call time.Sleep or time.After directly; socket
// deadlines are the exception, since the kernel evaluates those against
// the real clock.
package clock
