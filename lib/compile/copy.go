// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package compile

import (
	"context"
	"fmt"

	"github.com/quarry-build/quarry/lib/stream"
)

// CopyCompiler passes the source payload through unchanged. It accepts
// every source, so register it after any type-specific compilers: the
// registry matches in registration order and copy would otherwise
// shadow them. Resources whose compiled form is their source form
// (raw blobs, already-cooked data) land here, and the resource CLI
// registers it as the compiler of last resort.
type CopyCompiler struct{}

// Name identifies the compiler in logs and compile errors.
func (CopyCompiler) Name() string { return "copy" }

// CanCompile accepts any source.
func (CopyCompiler) CanCompile(map[string]string) bool { return true }

// Compile returns the payload bytes as the artifact. The output is the
// same for every platform, so it is cached platform-invariant.
func (CopyCompiler) Compile(_ context.Context, req *Request) (*Result, error) {
	data, err := stream.ReadAll(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("copy: reading payload: %w", err)
	}
	return &Result{Data: data, PlatformInvariant: true}, nil
}
