// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote implements source.Backend and compiled.Cache on top
// of the wire protocol, so pipelines and tools treat a daemon across
// the network exactly like a local store.
//
// Every operation is one wire call on a fresh connection; an
// unreachable daemon answers resource.ErrUnavailable, never
// ErrNotFound. Events() lazily opens a push subscription and pumps it
// into a local bus, inheriting the client's reconnect-with-Resync
// behavior: after any gap, consumers see a Resync before further
// events.
package remote
