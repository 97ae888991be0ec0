// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package compile_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/quarry-build/quarry/lib/compile"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
	"github.com/quarry-build/quarry/lib/stream"
)

func TestCopyCompilerPassesPayloadThrough(t *testing.T) {
	payload := []byte("already cooked, ship as-is")
	req := &compile.Request{
		Record: &source.Record{
			ID:         resource.NewID(),
			Properties: map[string]string{source.PropType: "blob"},
		},
		Payload: stream.FromBytes(payload),
	}

	result, err := compile.CopyCompiler{}.Compile(context.Background(), req)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if !bytes.Equal(result.Data, payload) {
		t.Errorf("Data = %q, want %q", result.Data, payload)
	}
	if !result.PlatformInvariant {
		t.Error("PlatformInvariant = false, want true for a byte copy")
	}
	if result.Dependencies != nil {
		t.Errorf("Dependencies = %v, want nil (copy discovers nothing)", result.Dependencies)
	}
}

func TestCopyCompilerSelectedLast(t *testing.T) {
	registry := compile.NewRegistry()
	text := &fakeCompiler{accepts: "text"}
	if err := registry.Register(text); err != nil {
		t.Fatalf("Register(text) error: %v", err)
	}
	if err := registry.Register(compile.CopyCompiler{}); err != nil {
		t.Fatalf("Register(copy) error: %v", err)
	}

	id := resource.NewID()

	selected, err := registry.Select(id, 0, map[string]string{source.PropType: "text"})
	if err != nil {
		t.Fatalf("Select(text) error: %v", err)
	}
	if selected.Name() != text.Name() {
		t.Errorf("text source selected %q, want %q", selected.Name(), text.Name())
	}

	selected, err = registry.Select(id, 0, map[string]string{source.PropType: "model"})
	if err != nil {
		t.Fatalf("Select(model) error: %v", err)
	}
	if selected.Name() != "copy" {
		t.Errorf("unmatched source selected %q, want fallthrough to copy", selected.Name())
	}
}
