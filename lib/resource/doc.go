// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package resource defines the identity model shared by every quarry
// component: resource identifiers, compiled-artifact keys, source
// origins, and the error taxonomy.
//
// An [ID] is an opaque 128-bit identifier, stable for the lifetime of
// a resource across renames, moves, and edits. [NewID] mints random
// identifiers; [DeriveID] derives stable identifiers from names (import
// paths) so re-importing the same file yields the same resource.
//
// A [Key] addresses one compiled artifact: the source ID plus the
// platform selector it was compiled for and the compiler version that
// produced it. Two artifacts compiled from the same source for
// different platforms or by different compiler versions never collide.
//
// The [Registry] maps identifiers to their authoritative source
// [Origin] (the local store or a remote daemon), so mixed local/remote
// resource sets resolve per ID rather than per process.
//
// The error taxonomy is the shared vocabulary between stores, caches,
// the wire protocol, and callers: sentinel errors ([ErrNotFound],
// [ErrUnavailable], [ErrStale], [ErrProtocol], [ErrConflict]) that
// survive wrapping with errors.Is, and the structured [*CompileError]
// carrying the failing key, pipeline stage, and compiler diagnostic.
package resource
