// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/event"
	"github.com/quarry-build/quarry/lib/platform"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/stream"
)

// Reserved property names. Importers and the compile pipeline give
// these fixed meanings; everything else in a property map is the
// author's business.
const (
	// PropName is the human-readable resource name, usually a
	// project-relative path like "textures/stone".
	PropName = "name"

	// PropType selects the compiler. A source with no type property
	// cannot be compiled, only stored and fetched.
	PropType = "type"

	// PropImportPath is the path the importer ingested the source
	// from.
	PropImportPath = "import-path"

	// PropImportSignature is the content hash observed at import
	// time, kept so importers can cheaply detect unchanged files.
	PropImportSignature = "import-signature"

	// PropCompileVersion optionally pins the compiler version a
	// source wants, overriding the pipeline default.
	PropCompileVersion = "compile-version"
)

// Dependency is one edge in the source dependency graph: compiling
// the owning resource requires the dependency compiled first, for the
// given platform selector (TagAny means the parent's platform).
type Dependency struct {
	ID       resource.ID  `cbor:"id" json:"id"`
	Platform platform.Tag `cbor:"platform,omitempty" json:"platform,omitempty"`
}

// Record is the metadata of one source representation. The payload
// travels separately as a stream.
type Record struct {
	ID           resource.ID       `cbor:"id" json:"id"`
	Properties   map[string]string `cbor:"properties,omitempty" json:"properties,omitempty"`
	PayloadSize  int64             `cbor:"payload_size" json:"payload_size"`
	Hash         change.Hash       `cbor:"hash" json:"hash"`
	Counter      change.Counter    `cbor:"counter" json:"counter"`
	Dependencies []Dependency      `cbor:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// Name returns the name property, or the ID string when unnamed.
func (r *Record) Name() string {
	if name := r.Properties[PropName]; name != "" {
		return name
	}
	return r.ID.String()
}

// Type returns the type property ("" when the source is untyped).
func (r *Record) Type() string {
	return r.Properties[PropType]
}

// Backend is a source of source records: the local store and the
// remote daemon client both implement it, so the compile pipeline and
// the CLI never care where a record lives.
//
// Error contract: ErrNotFound means the backend answered "no such
// record"; ErrUnavailable means the backend could not be reached. The
// two are never conflated.
type Backend interface {
	// Fetch returns the record and its payload. The caller must close
	// the stream.
	Fetch(ctx context.Context, id resource.ID) (*Record, stream.Stream, error)

	// FetchRecord returns the record only.
	FetchRecord(ctx context.Context, id resource.ID) (*Record, error)

	// Store writes a source representation. It is idempotent on
	// content: when the canonical hash of (properties, payload)
	// equals the stored hash, the stored record is returned unchanged
	// and the counter does not move. Otherwise the counter bumps by
	// exactly 1. The first store of an ID creates it at counter 1;
	// re-creating a deleted ID resumes above the deleted record's
	// counter, so counters never regress for an ID across its
	// lifetime.
	Store(ctx context.Context, id resource.ID, properties map[string]string, payload stream.Stream) (*Record, error)

	// SetProperty sets one property. The counter bumps iff the
	// canonical content hash changes, i.e. iff the value actually
	// changed.
	SetProperty(ctx context.Context, id resource.ID, key, value string) (*Record, error)

	// UnsetProperty removes one property, with the same counter rule.
	UnsetProperty(ctx context.Context, id resource.ID, key string) (*Record, error)

	// SetDependencies replaces the dependency list. Dependencies are
	// derivation metadata, not content: the counter does not move and
	// a DependsChanged event is emitted instead of Modified.
	SetDependencies(ctx context.Context, id resource.ID, deps []Dependency) (*Record, error)

	// Delete removes the record and its payload. The ID's counter
	// high-water mark survives: a later Store of the same ID continues
	// the sequence.
	Delete(ctx context.Context, id resource.ID) error

	// Counter returns the live change counter for staleness checks.
	Counter(ctx context.Context, id resource.ID) (change.Counter, error)

	// ReverseDependencies returns the IDs whose dependency set
	// contains id.
	ReverseDependencies(ctx context.Context, id resource.ID) ([]resource.ID, error)

	// Events is the backend's mutation bus: Added, Modified, Removed,
	// DependsChanged.
	Events() *event.Bus

	// Close releases the backend. Open subscriptions end.
	Close() error
}
