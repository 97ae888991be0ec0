// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package change

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/quarry-build/quarry/lib/codec"
)

// Hash is a 32-byte BLAKE3 digest. Content hashes, import signatures,
// and bundle entry digests are this size.
type Hash [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures that the same input bytes produce different
// hashes in different contexts, preventing cross-domain collisions.
type domainKey [32]byte

// Domain separation keys. These are fixed constants — changing them
// invalidates all existing hashes in that domain. The byte values
// are the ASCII encoding of the domain name, zero-padded to 32 bytes.
// Using readable ASCII makes the keys inspectable in hex dumps and
// debuggers without sacrificing any cryptographic property (BLAKE3
// keyed mode treats the key as an opaque 32-byte value).
var (
	contentDomainKey = domainKey{
		'q', 'u', 'a', 'r', 'r', 'y', ' ', 'c', 'o', 'n', 't', 'e', 'n', 't', ' ',
		'h', 'a', 's', 'h', ' ', 'v', '1', ' ', 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	bundleDomainKey = domainKey{
		'q', 'u', 'a', 'r', 'r', 'y', ' ', 'b', 'u', 'n', 'd', 'l', 'e', ' ',
		'e', 'n', 't', 'r', 'y', ' ', 'v', '1', ' ', 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	importDomainKey = domainKey{
		'q', 'u', 'a', 'r', 'r', 'y', ' ', 'i', 'm', 'p', 'o', 'r', 't', ' ',
		's', 'i', 'g', 'n', 'a', 't', 'u', 'r', 'e', ' ', 'v', '1', ' ', 0, 0, 0, 0, 0,
	}
)

// ContentHasher computes the canonical content hash of a source
// record incrementally. The property map is hashed first (in its
// deterministic CBOR encoding, so key order never matters), then
// payload bytes are streamed in via Write. Stores tee the payload
// through a ContentHasher while spooling it to disk.
type ContentHasher struct {
	hasher *blake3.Hasher
}

// NewContentHasher starts a content hash over the given property map.
func NewContentHasher(properties map[string]string) (*ContentHasher, error) {
	encoded, err := codec.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("change: encoding properties: %w", err)
	}
	hasher := newKeyedHasher(contentDomainKey)
	hasher.Write(encoded)
	return &ContentHasher{hasher: hasher}, nil
}

// Write feeds payload bytes into the hash. It never fails; the error
// return satisfies io.Writer.
func (c *ContentHasher) Write(p []byte) (int, error) {
	return c.hasher.Write(p)
}

// Sum returns the content hash of everything written so far.
func (c *ContentHasher) Sum() Hash {
	var hash Hash
	copy(hash[:], c.hasher.Sum(nil))
	return hash
}

// HashContent computes the canonical content hash of a property map
// and an in-memory payload: the content-domain keyed BLAKE3 of the
// deterministic CBOR encoding of properties followed by the payload
// bytes. Byte-identical re-imports hash identically, which is what
// makes stores idempotent.
func HashContent(properties map[string]string, payload []byte) (Hash, error) {
	hasher, err := NewContentHasher(properties)
	if err != nil {
		return Hash{}, err
	}
	hasher.Write(payload)
	return hasher.Sum(), nil
}

// HashBundleEntry computes the bundle-domain BLAKE3 keyed hash of one
// bundle entry's payload. Readers verify these digests on open.
func HashBundleEntry(data []byte) Hash {
	hasher := newKeyedHasher(bundleDomainKey)
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// SignatureHasher computes an import signature incrementally.
// Signatures cover raw file bytes only — no property map — so an
// importer can compare a file on disk against a recorded signature
// without reconstructing the properties it stored last time.
type SignatureHasher struct {
	hasher *blake3.Hasher
}

// NewSignatureHasher starts an import signature hash.
func NewSignatureHasher() *SignatureHasher {
	return &SignatureHasher{hasher: newKeyedHasher(importDomainKey)}
}

// Write feeds file bytes into the hash. It never fails; the error
// return satisfies io.Writer.
func (s *SignatureHasher) Write(p []byte) (int, error) {
	return s.hasher.Write(p)
}

// Sum returns the signature of everything written so far.
func (s *SignatureHasher) Sum() Hash {
	var hash Hash
	copy(hash[:], s.hasher.Sum(nil))
	return hash
}

// HashImportSignature computes the import signature of an in-memory
// file.
func HashImportSignature(data []byte) Hash {
	hasher := NewSignatureHasher()
	hasher.Write(data)
	return hasher.Sum()
}

// IsZero reports whether the hash is all zero bytes. The zero hash is
// never a valid digest of anything quarry stores.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the lowercase hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler. Hashes serialize as
// lowercase hex in CBOR, JSON, and YAML alike.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// FormatHash returns the hex-encoded string representation of a hash.
// This is the canonical format used in metadata, logs, and CLI output.
func FormatHash(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing content hash: %w", err)
	}
	if len(decoded) != 32 {
		return hash, fmt.Errorf("content hash is %d bytes, want 32", len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// newKeyedHasher builds a BLAKE3 keyed hasher for the given domain.
// NewKeyed only fails for a wrong key length, which domainKey rules
// out.
func newKeyedHasher(key domainKey) *blake3.Hasher {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("change: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}
