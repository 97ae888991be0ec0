// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"

	"github.com/google/uuid"
)

// ID is the opaque 128-bit identifier of a resource. It is assigned
// once when the resource enters the system and never changes; names,
// paths, and content all may. The zero value Nil is not a valid
// identifier and is rejected everywhere one is required.
type ID [16]byte

// Nil is the zero ID.
var Nil ID

// NamespacePath is the derivation namespace for identifiers minted
// from import paths. Importers use DeriveID(NamespacePath, path) so
// the same file always maps to the same resource.
var NamespacePath = ID(uuid.MustParse("9e336f86-2f14-4d4c-a924-5c2286f159b1"))

// NewID returns a new random identifier.
func NewID() ID {
	return ID(uuid.New())
}

// DeriveID returns the identifier deterministically derived from name
// within the given namespace. Identical (namespace, name) pairs yield
// identical IDs.
func DeriveID(namespace ID, name string) ID {
	return ID(uuid.NewSHA1(uuid.UUID(namespace), []byte(name)))
}

// ParseID reads an identifier in canonical UUID form or as 32 hex
// digits. The Nil identifier parses but is rejected, since no valid
// resource carries it.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("resource: parse id %q: %w", s, err)
	}
	id := ID(u)
	if id == Nil {
		return Nil, fmt.Errorf("resource: id %q is nil", s)
	}
	return id, nil
}

// MustParseID is ParseID for tests and initialization of well-known
// identifiers; it panics on malformed input.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsNil reports whether the identifier is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// String renders the canonical lowercase UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler. IDs serialize as
// their canonical string form in CBOR, YAML, and JSON alike.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
