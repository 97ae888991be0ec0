// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package compile

import (
	"context"
	"fmt"
	"sync"

	"github.com/quarry-build/quarry/lib/platform"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
	"github.com/quarry-build/quarry/lib/stream"
)

// Version is the compiler format version stamped into every artifact
// key and header. Bump it when compiled output changes shape; artifacts
// from other versions are never served, only replaced.
const Version uint32 = 1

// Pipeline stages, reported in [resource.CompileError].
const (
	// StageSelect: no registered compiler accepts the source.
	StageSelect = "select"
	// StageDependency: a dependency failed to compile first.
	StageDependency = "dependency"
	// StageCompile: the compiler itself returned an error.
	StageCompile = "compile"
	// StageStore: the artifact could not be written to the cache.
	StageStore = "store"
)

// LookupFunc reads a dependency's source representation during a
// compile. Compilers receive one in the Request and must close the
// returned stream.
type LookupFunc func(ctx context.Context, id resource.ID) (*source.Record, stream.Stream, error)

// Request carries everything a compiler needs for one execution.
type Request struct {
	// Record is the source record being compiled.
	Record *source.Record

	// Payload is the source payload. The compiler owns it and must
	// close it.
	Payload stream.Stream

	// Platform is the requested target selector.
	Platform platform.Tag

	// Lookup reads dependency sources by ID.
	Lookup LookupFunc
}

// Result is a successful compilation.
type Result struct {
	// Data is the artifact payload.
	Data []byte

	// Dependencies optionally replaces the source's dependency list
	// with what the compiler discovered while processing (include
	// scanning and the like). Nil leaves the stored list untouched.
	Dependencies []source.Dependency

	// PlatformInvariant marks output that is identical for every
	// platform. The artifact is cached under the wildcard selector so
	// any future request hits it.
	PlatformInvariant bool
}

// Compiler turns one source representation into one compiled artifact.
// Implementations must be safe for concurrent Compile calls.
type Compiler interface {
	// Name identifies the compiler in logs and errors.
	Name() string

	// CanCompile inspects source properties (typically "type") and
	// reports whether this compiler handles them.
	CanCompile(properties map[string]string) bool

	// Compile produces the artifact. The context outlives any single
	// caller: shared executions are never cancelled by one waiter
	// disconnecting.
	Compile(ctx context.Context, req *Request) (*Result, error)
}

// Registry holds compilers in registration order; the first one whose
// CanCompile accepts the source's properties wins.
type Registry struct {
	mu        sync.RWMutex
	compilers []Compiler
}

// NewRegistry returns an empty compiler registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a compiler. Duplicate names are rejected so a
// misconfigured double-registration fails loudly at startup.
func (r *Registry) Register(c Compiler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.compilers {
		if existing.Name() == c.Name() {
			return fmt.Errorf("compile: compiler %q already registered", c.Name())
		}
	}
	r.compilers = append(r.compilers, c)
	return nil
}

// Select returns the first compiler accepting the given properties.
func (r *Registry) Select(id resource.ID, tag platform.Tag, properties map[string]string) (Compiler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.compilers {
		if c.CanCompile(properties) {
			return c, nil
		}
	}
	return nil, &resource.CompileError{
		Key:        resource.Key{ID: id, Platform: tag, Version: Version},
		Stage:      StageSelect,
		Diagnostic: fmt.Sprintf("no compiler for type %q", properties[source.PropType]),
	}
}

// Names lists registered compilers in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.compilers))
	for i, c := range r.compilers {
		names[i] = c.Name()
	}
	return names
}
