// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package change defines how quarry detects and describes change:
// canonical content hashes, monotonic change counters, and the event
// vocabulary shared by stores, caches, the compile pipeline, and the
// wire protocol.
//
// # Content hashes
//
// A record's canonical content hash is the BLAKE3 keyed hash (domain
// "quarry content hash v1") of the deterministic CBOR encoding of its
// property map followed by its payload bytes. Because the encoding is
// deterministic, two property maps with equal contents hash
// identically regardless of insertion order — the foundation of the
// idempotent-store guarantee. Bundle entries use a separate domain
// key so a payload's content hash can never be confused with its
// bundle digest.
//
// # Counters
//
// [Counter] is a per-resource uint64 allocated by the source store:
// 1 on creation, +1 on every content change, never reused, never
// regressed. Staleness of compiled artifacts is decided solely by
// comparing counters (and compiler versions); wall-clock time plays
// no part.
//
// # Events
//
// [Event] notifies subscribers of store and cache mutations. [Kind]
// enumerates what happened; [Mask] filters subscriptions. The
// synthetic [Resync] kind marks lost events (queue overflow, dropped
// connection) and always passes filtering, since a consumer that
// never saw the marker could not know its view went stale.
package change
