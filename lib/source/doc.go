// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package source stores the authored side of every resource: a
// property map, an opaque payload, a dependency list, and the change
// counter that the rest of the system trusts for staleness.
//
// [Backend] is the storage contract. [LocalStore] implements it on
// disk (SQLite index, sharded payload files); package remote
// implements it over the wire against a sourced daemon. Callers pick
// a backend through resource.Registry and otherwise never care which
// one they hold.
//
// # Counter discipline
//
// Store is idempotent: it computes the canonical content hash
// (deterministic CBOR of the property map, then the payload) and
// leaves the record completely untouched when the hash matches. Only
// a hash change bumps the counter, and it always bumps by exactly 1
// under an IMMEDIATE SQLite transaction, so counters are strictly
// monotonic even with concurrent writers. Dependency edits never
// touch the counter — they describe how a resource is derived, not
// what it contains.
//
// # Events
//
// Every mutation publishes on the store's event bus: Added on
// creation, Modified on a counter bump, Removed on delete,
// DependsChanged on dependency replacement. Delivery follows the
// bus's at-most-once contract.
package source
