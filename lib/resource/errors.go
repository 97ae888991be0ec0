// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across stores, caches, the wire protocol, and
// the compile pipeline. Test with errors.Is; every layer that adds
// context wraps with %w so the sentinel survives.
var (
	// ErrNotFound means the backend was reached and answered: no such
	// record. It is never used for connectivity failures.
	ErrNotFound = errors.New("resource not found")

	// ErrUnavailable means the backend could not be reached or is not
	// serving. The record may well exist; the caller cannot know.
	// Always distinguishable from ErrNotFound.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrStale means a compiled artifact exists but was produced from
	// an older source revision or by an older compiler. Recompiling
	// clears it.
	ErrStale = errors.New("compiled artifact stale")

	// ErrProtocol means a malformed frame, unknown opcode, or
	// oversized payload. It is fatal to the connection that produced
	// it and never to the daemon serving it.
	ErrProtocol = errors.New("protocol violation")

	// ErrConflict is reserved for concurrent-writer source conflicts.
	// The status exists in the wire protocol and this sentinel maps to
	// it, but no operation in the current single-writer stores emits
	// it.
	ErrConflict = errors.New("write conflict")
)

// CompileError reports a failed compilation. It is delivered to every
// caller waiting on the same artifact and is never cached: the next
// request for the key runs the compiler again.
type CompileError struct {
	// Key identifies the artifact that failed to build.
	Key Key
	// Stage is the pipeline stage that failed: "select" (no compiler
	// accepts the source type), "dependency" (a dependency failed
	// first), "compile" (the compiler itself returned an error), or
	// "store" (the artifact could not be written to the cache).
	Stage string
	// Diagnostic is the compiler's human-readable failure output, when
	// it produced any.
	Diagnostic string
	// Err is the underlying error, if any.
	Err error
}

func (e *CompileError) Error() string {
	msg := fmt.Sprintf("compile %s failed at %s", e.Key, e.Stage)
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// AsCompileError extracts a *CompileError from an error chain.
func AsCompileError(err error) (*CompileError, bool) {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
