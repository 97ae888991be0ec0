// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package compile turns source representations into compiled artifacts
// on demand.
//
// [Pipeline.EnsureCompiled] is the entry point: resolve the source,
// ensure dependencies are compiled, probe the caches (local, then
// remote, broadening the platform selector), and only then compile —
// at most once per key no matter how many callers ask concurrently.
// Every waiter on a shared execution receives the same artifact or the
// same error; failed compiles are never cached. A caller disconnecting
// abandons its wait without cancelling work other waiters share.
//
// Compiled artifacts are valid for the exact source counter they were
// built from. EnsureCompiled re-validates against the live counter
// after compiling and chases a moving source a bounded number of times
// before reporting it stale.
//
// [Invalidator] handles the input side of staleness: when a source
// changes, the cached artifacts of everything that depends on it are
// dropped, transitively.
package compile
