// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements sourced, the source store daemon. It owns
// the canonical record database and payload tree, serves them over the
// length-prefixed CBOR protocol (lib/wire), and publishes change
// events to subscribed clients.
//
// Configuration comes from a YAML file (lib/config) named by --config
// or the QUARRY_CONFIG environment variable; flags override the file.
// The daemon listens on TCP, a Unix socket, or both.
//
// With one or more --watch directories (or a watch list in the config
// file), sourced also runs the autoimporter: filesystem events are
// debounced and changed files are re-imported through the built-in
// importer set, so editing an asset on disk updates its record without
// any client involvement.
package main
