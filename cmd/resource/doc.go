// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Resource is the quarry command-line client. It stores and inspects
// source resources (store, fetch, record, set, deps, import), drives
// the compile pipeline (compile, get), ships artifacts in bundles
// (bundle create/list/unpack), and follows live change feeds (watch),
// against either a local store or sourced/compiled daemons.
package main
