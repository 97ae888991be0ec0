// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements compiled, the shared artifact cache daemon.
// It serves compiled artifacts over the length-prefixed CBOR protocol
// (lib/wire) so machines on the same network can reuse each other's
// compile work instead of repeating it.
//
// The cache is a disk LRU (lib/compiled): artifacts past the
// configured capacity are evicted least-recently-used first, so the
// daemon can run unattended on a fixed disk budget. Configuration
// follows sourced — YAML file plus flag overrides, TCP and/or Unix
// socket listeners.
package main
