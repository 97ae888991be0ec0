// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package compiled stores and serves compiled artifacts.
//
// An artifact is addressed by a [resource.Key] — source ID, platform
// selector, compiler version — and is valid only for the exact source
// counter it was compiled from. Staleness is decided by comparing that
// counter against the live counter the caller supplies; the cache
// itself never consults clocks or source backends.
//
// [LocalCache] keeps blobs in a sharded file tree with a SQLite index
// and evicts least-recently-used entries when the configured capacity
// is exceeded. Every blob opens with a fixed 16-byte [Header], so
// artifacts remain identifiable without their index row. Payloads are
// compressed at rest when a selection probe says it pays
// ([SelectCompression]); Get always returns decompressed bytes.
package compiled
