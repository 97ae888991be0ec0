// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package change

import (
	"fmt"

	"github.com/quarry-build/quarry/lib/platform"
	"github.com/quarry-build/quarry/lib/resource"
)

// Counter is a strictly monotonic per-resource change counter. The
// source store allocates them: a new record starts at 1 and every
// content change bumps it by exactly 1. Counters are the only
// staleness authority in the system; nothing compares wall-clock
// times.
type Counter uint64

// Kind classifies a change event.
type Kind uint8

const (
	// Added: a source record was created.
	Added Kind = iota + 1
	// Modified: a source record's content changed (counter bumped).
	Modified
	// Removed: a source record or compiled artifact was deleted.
	Removed
	// Compiled: a compiled artifact was produced or replaced.
	Compiled
	// DependsChanged: a source record's dependency set was replaced.
	DependsChanged
	// Resync is synthetic: it replaces events lost to a subscription
	// queue overflow or a dropped connection. It carries no counter
	// and is never persisted; receivers must treat their view as
	// unknown and re-fetch what they care about.
	Resync
)

var kindNames = map[Kind]string{
	Added:          "added",
	Modified:       "modified",
	Removed:        "removed",
	Compiled:       "compiled",
	DependsChanged: "depends-changed",
	Resync:         "resync",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a defined kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Mask is a bit set of kinds for subscription filtering. The zero
// mask means "everything", so an unfiltered subscription needs no
// setup.
type Mask uint32

// MaskOf builds a mask matching exactly the given kinds.
func MaskOf(kinds ...Kind) Mask {
	var m Mask
	for _, k := range kinds {
		m |= 1 << k
	}
	return m
}

// Has reports whether the mask admits kind k. Resync always passes:
// overflow markers must reach every subscriber regardless of filter,
// or a filtered consumer would never learn it lost events.
func (m Mask) Has(k Kind) bool {
	if m == 0 || k == Resync {
		return true
	}
	return m&(1<<k) != 0
}

// Event is one change notification. Counter is the source change
// counter at emission time (zero for Resync and for compiled-cache
// events, whose authority is the artifact record). Token is the
// per-subscription emission sequence, stamped by the event bus.
type Event struct {
	ID       resource.ID  `cbor:"id"`
	Kind     Kind         `cbor:"kind"`
	Counter  Counter      `cbor:"counter,omitempty"`
	Platform platform.Tag `cbor:"platform,omitempty"`
	Token    uint64       `cbor:"token,omitempty"`
}

// String renders a compact single-line form for logs and the CLI
// watch command.
func (e Event) String() string {
	s := fmt.Sprintf("%s %s", e.Kind, e.ID)
	if e.Counter != 0 {
		s += fmt.Sprintf(" counter=%d", e.Counter)
	}
	if e.Platform != platform.TagAny {
		s += fmt.Sprintf(" platform=%s", e.Platform)
	}
	return s
}
