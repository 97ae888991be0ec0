// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"

	"github.com/quarry-build/quarry/lib/platform"
)

// Key addresses one compiled artifact: a source identifier, the
// platform selector the artifact was compiled for, and the compiler
// version that produced it. Keys are comparable and used directly as
// cache-index and single-flight map keys.
type Key struct {
	ID       ID           `cbor:"id" json:"id"`
	Platform platform.Tag `cbor:"platform" json:"platform"`
	Version  uint32       `cbor:"version" json:"version"`
}

// String renders a stable, filesystem-safe form: the canonical UUID,
// the packed platform tag as eight hex digits, and the decimal
// compiler version, dash-separated. Cache blob filenames use it.
func (k Key) String() string {
	return fmt.Sprintf("%s-%08x-%d", k.ID, uint32(k.Platform), k.Version)
}

// Validate rejects keys that cannot address an artifact.
func (k Key) Validate() error {
	if k.ID.IsNil() {
		return fmt.Errorf("resource: key has nil id")
	}
	if k.Version == 0 {
		return fmt.Errorf("resource: key %s has zero compiler version", k.ID)
	}
	return nil
}
