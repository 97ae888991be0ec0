// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import "sync"

// OriginKind says where the authoritative source of a resource lives.
type OriginKind int

const (
	// OriginLocal resources are read and written through the local
	// source store.
	OriginLocal OriginKind = iota
	// OriginRemote resources live behind a source daemon at
	// Origin.Endpoint.
	OriginRemote
)

// Origin is the authority for one resource's source representation.
type Origin struct {
	Kind OriginKind
	// Endpoint is the daemon address for OriginRemote ("host:port" or
	// "unix:///path"). Empty for OriginLocal.
	Endpoint string
}

// Registry maps resource identifiers to their origins. Lookups vastly
// outnumber updates, so it is a plain map under an RWMutex; Load
// replaces the whole table atomically for bulk configuration.
type Registry struct {
	mu       sync.RWMutex
	origins  map[ID]Origin
	fallback Origin
}

// NewRegistry returns an empty registry whose fallback origin is the
// local store.
func NewRegistry() *Registry {
	return &Registry{origins: make(map[ID]Origin)}
}

// SetFallback sets the origin returned for identifiers with no
// explicit entry.
func (r *Registry) SetFallback(o Origin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = o
}

// Lookup returns the origin for id, falling back to the registry
// default when no entry exists. The second result reports whether an
// explicit entry was found.
func (r *Registry) Lookup(id ID) (Origin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if o, ok := r.origins[id]; ok {
		return o, true
	}
	return r.fallback, false
}

// Set records the origin for a single identifier.
func (r *Registry) Set(id ID, o Origin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.origins[id] = o
}

// Delete removes the explicit entry for id, if any.
func (r *Registry) Delete(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.origins, id)
}

// Load replaces the whole table in one step. Readers see either the
// old table or the new one, never a mix.
func (r *Registry) Load(origins map[ID]Origin) {
	table := make(map[ID]Origin, len(origins))
	for id, o := range origins {
		table[id] = o
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.origins = table
}

// Len reports the number of explicit entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.origins)
}
