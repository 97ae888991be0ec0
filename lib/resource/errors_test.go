// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelsSurviveWrapping(t *testing.T) {
	sentinels := []error{ErrNotFound, ErrUnavailable, ErrStale, ErrProtocol, ErrConflict}
	for _, sentinel := range sentinels {
		wrapped := fmt.Errorf("fetch %s: %w", NewID(), sentinel)
		if !errors.Is(wrapped, sentinel) {
			t.Errorf("errors.Is lost %v through wrapping", sentinel)
		}
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	// NotFound and Unavailable in particular must never be confused:
	// one says "the record does not exist", the other "nobody could
	// tell you".
	if errors.Is(ErrNotFound, ErrUnavailable) || errors.Is(ErrUnavailable, ErrNotFound) {
		t.Fatal("ErrNotFound and ErrUnavailable are conflated")
	}
}

func TestCompileErrorCarriesStructure(t *testing.T) {
	key := Key{ID: NewID(), Version: 3}
	inner := errors.New("shader stage 2: unknown identifier 'foo'")
	ce := &CompileError{Key: key, Stage: "compile", Diagnostic: "2 errors", Err: inner}

	wrapped := fmt.Errorf("pipeline: %w", ce)

	got, ok := AsCompileError(wrapped)
	if !ok {
		t.Fatal("AsCompileError failed through wrapping")
	}
	if got.Key != key || got.Stage != "compile" {
		t.Fatalf("extracted CompileError = %+v", got)
	}
	if !errors.Is(wrapped, inner) {
		t.Fatal("CompileError does not unwrap to the compiler error")
	}
}

func TestAsCompileErrorOnPlainError(t *testing.T) {
	if _, ok := AsCompileError(errors.New("plain")); ok {
		t.Fatal("AsCompileError matched a plain error")
	}
}
