// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries the build identity stamped into quarry
// binaries. Release builds overwrite the variables with -ldflags:
//
//	-X github.com/quarry-build/quarry/lib/version.Version=1.2.0 \
//	-X github.com/quarry-build/quarry/lib/version.GitCommit=$(git rev-parse --short HEAD) \
//	-X github.com/quarry-build/quarry/lib/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)
//
// This identifies binary builds only. Artifact compatibility is the
// separate compile.Version constant, which moves when compiled output
// changes shape, not when the binary is rebuilt.
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables, defaulted for unstamped development builds.
var (
	// Version is the release version.
	Version = "0.1.0-dev"

	// GitCommit is the short commit hash the binary was built from.
	GitCommit = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// Short returns the bare version, the form daemons put in HELLO frames.
func Short() string {
	return Version
}

// Info returns the one-line form --version prints.
func Info() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitCommit, BuildTime)
}

// Full returns the multi-line form including the Go toolchain and
// target platform.
func Full() string {
	return fmt.Sprintf("%s\n  go: %s\n  platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
