// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for quarry binaries.
//
// Configuration is loaded from a single file specified by either the
// QUARRY_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. This ensures deterministic, auditable
// configuration with no hidden overrides. When neither names a file,
// [Default] values apply: everything under ~/.cache/quarry with
// daemons on loopback TCP.
//
// Decoding is strict: unknown keys are errors, so a typoed field name
// fails loudly instead of silently falling back to a default.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${QUARRY_ROOT}, and ${VAR:-default} patterns are expanded.
// No other environment variables override config values; flags do
// (each binary applies its parsed flags on top of the loaded Config
// before calling [Config.Validate]).
//
// Key exports:
//
//   - [Config] — master struct with Root, Source, Cache, Log, Watch
//   - [Default] — development defaults
//   - [Load] and [LoadFile] — the two entry points for loading
//   - [LogConfig.NewLogger] — the standard stderr slog handler
//
// This package depends on no other quarry packages.
package config
