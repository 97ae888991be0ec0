// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package importer turns files on disk into source records.
//
// An [Importer] claims paths (usually by extension) and stores their
// payload through a [source.Backend]; the [Registry] tries registered
// importers in order until one succeeds. [FileImporter] covers the
// common case of files whose payload is taken verbatim: it derives a
// stable identifier from the canonical path, so re-importing a file
// always lands on the same resource.
//
// The import [Map] remembers what each path hashed to when it was last
// imported. The store is already idempotent, so re-importing an
// unchanged file never moves a counter; the map additionally skips the
// store round-trip, which matters when the backend is a daemon on the
// other end of a socket.
//
// [Watcher] is autoimport: it watches directory trees through
// fsnotify, debounces the event bursts editors produce, and feeds
// settled paths back through the registry. Files that vanish lose
// their mapped record.
package importer
