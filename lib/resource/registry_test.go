// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import "testing"

func TestRegistryLookupAndFallback(t *testing.T) {
	r := NewRegistry()
	id := NewID()

	origin, explicit := r.Lookup(id)
	if explicit {
		t.Fatal("empty registry reported an explicit entry")
	}
	if origin.Kind != OriginLocal {
		t.Fatalf("default fallback = %+v, want local", origin)
	}

	remote := Origin{Kind: OriginRemote, Endpoint: "127.0.0.1:7780"}
	r.Set(id, remote)
	origin, explicit = r.Lookup(id)
	if !explicit || origin != remote {
		t.Fatalf("Lookup after Set = %+v, %v", origin, explicit)
	}

	r.SetFallback(remote)
	origin, explicit = r.Lookup(NewID())
	if explicit || origin != remote {
		t.Fatalf("fallback lookup = %+v, %v", origin, explicit)
	}
}

func TestRegistryLoadReplacesTable(t *testing.T) {
	r := NewRegistry()
	old := NewID()
	r.Set(old, Origin{Kind: OriginRemote, Endpoint: "a:1"})

	kept := NewID()
	r.Load(map[ID]Origin{kept: {Kind: OriginRemote, Endpoint: "b:2"}})

	if _, explicit := r.Lookup(old); explicit {
		t.Fatal("Load kept an entry from the old table")
	}
	origin, explicit := r.Lookup(kept)
	if !explicit || origin.Endpoint != "b:2" {
		t.Fatalf("Load entry = %+v, %v", origin, explicit)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	// The caller's map is copied, not aliased.
	src := map[ID]Origin{NewID(): {}}
	r.Load(src)
	for id := range src {
		delete(src, id)
	}
	if r.Len() != 1 {
		t.Fatalf("Len after mutating caller map = %d, want 1", r.Len())
	}
}

func TestRegistryDelete(t *testing.T) {
	r := NewRegistry()
	id := NewID()
	r.Set(id, Origin{Kind: OriginRemote, Endpoint: "a:1"})
	r.Delete(id)
	if _, explicit := r.Lookup(id); explicit {
		t.Fatal("entry survived Delete")
	}
	r.Delete(id) // idempotent
}
