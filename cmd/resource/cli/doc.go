// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command-line framework for the resource tool.
//
// The central type is [Command]: a named subcommand with optional
// nested [Command.Subcommands], a [pflag.FlagSet] factory, and a Run
// function. The tree is assembled in cmd/resource/commands and
// dispatched via [Command.Execute], which handles flag parsing,
// subcommand routing, and help output with examples.
//
// When a user types an unknown subcommand or flag, the framework
// computes Levenshtein edit distance against all known names and
// suggests the closest match (threshold: distance <= 3).
//
// [Connection] carries the flags shared by every command that touches
// a store — which configuration file to read and whether to talk to a
// daemon or open the store directly — and [Connection.Session] turns
// them into routed backends: per-identifier origins from the
// configuration's origins table, dialed lazily and closed together.
package cli
