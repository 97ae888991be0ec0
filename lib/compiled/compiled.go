// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package compiled

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/event"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/stream"
)

// HeaderSize is the fixed length of the artifact prologue in bytes.
const HeaderSize = 16

// headerMagic identifies a compiled artifact blob, version 1.
var headerMagic = [4]byte{'Q', 'C', 'R', '1'}

// flagCompressionMask selects the bits of Header.Flags that carry the
// CompressionTag. The remaining bits are reserved and must be zero.
const flagCompressionMask = 0xff

// Header is the 16-byte prologue written ahead of every stored
// artifact payload: magic, the compiler version that produced the
// artifact, the low 32 bits of the source counter it was compiled
// from, and a flags word whose low byte holds the compression tag.
// A cache blob is self-describing even without its index row.
type Header struct {
	CompilerVersion  uint32
	SourceCounterLow uint32
	Flags            uint32
}

// NewHeader builds the prologue for an artifact record.
func NewHeader(version uint32, counter change.Counter, compression CompressionTag) Header {
	return Header{
		CompilerVersion:  version,
		SourceCounterLow: uint32(counter),
		Flags:            uint32(compression) & flagCompressionMask,
	}
}

// Compression extracts the compression tag from the flags word.
func (h Header) Compression() CompressionTag {
	return CompressionTag(h.Flags & flagCompressionMask)
}

// Encode renders the header in its fixed on-disk form: magic followed
// by three little-endian uint32 fields.
func (h Header) Encode() [HeaderSize]byte {
	var out [HeaderSize]byte
	copy(out[0:4], headerMagic[:])
	binary.LittleEndian.PutUint32(out[4:8], h.CompilerVersion)
	binary.LittleEndian.PutUint32(out[8:12], h.SourceCounterLow)
	binary.LittleEndian.PutUint32(out[12:16], h.Flags)
	return out
}

// ParseHeader decodes and validates an artifact prologue.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("artifact header: %d bytes, need %d", len(data), HeaderSize)
	}
	if [4]byte(data[0:4]) != headerMagic {
		return Header{}, fmt.Errorf("artifact header: bad magic %q", data[0:4])
	}
	h := Header{
		CompilerVersion:  binary.LittleEndian.Uint32(data[4:8]),
		SourceCounterLow: binary.LittleEndian.Uint32(data[8:12]),
		Flags:            binary.LittleEndian.Uint32(data[12:16]),
	}
	if h.Flags&^uint32(flagCompressionMask) != 0 {
		return Header{}, fmt.Errorf("artifact header: reserved flag bits set: %#x", h.Flags)
	}
	if !h.Compression().known() {
		return Header{}, fmt.Errorf("artifact header: unknown compression tag %d", uint8(h.Compression()))
	}
	return h, nil
}

func (tag CompressionTag) known() bool {
	switch tag {
	case CompressionNone, CompressionLZ4, CompressionZstd:
		return true
	}
	return false
}

// Record describes one compiled artifact. The artifact is valid only
// for exact SourceCounter equality (against the live source counter)
// and exact Key.Version equality — any other combination is stale,
// never "close enough".
type Record struct {
	// Key addresses the artifact: source ID, platform selector, and
	// compiler version.
	Key resource.Key `cbor:"key" json:"key"`

	// SourceCounter is the source change counter the artifact was
	// compiled from.
	SourceCounter change.Counter `cbor:"source_counter" json:"sourceCounter"`

	// SourceHash is the content hash of the source at that counter.
	// Informational: staleness decisions use counters only.
	SourceHash change.Hash `cbor:"source_hash" json:"sourceHash"`

	// Size is the uncompressed artifact payload length in bytes.
	Size int64 `cbor:"size" json:"size"`

	// Compression is how the payload is stored at rest. Get returns
	// decompressed bytes regardless.
	Compression CompressionTag `cbor:"compression" json:"compression"`

	// CreatedAt is the unix time the artifact entered the cache.
	CreatedAt int64 `cbor:"created_at,omitempty" json:"createdAt,omitempty"`
}

// Validate rejects records that cannot be stored.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("compiled: nil record")
	}
	if err := r.Key.Validate(); err != nil {
		return fmt.Errorf("compiled: %w", err)
	}
	if r.SourceCounter == 0 {
		return fmt.Errorf("compiled: record %s has zero source counter", r.Key)
	}
	if r.Size < 0 {
		return fmt.Errorf("compiled: record %s has negative size %d", r.Key, r.Size)
	}
	return nil
}

// Header builds the on-disk prologue for this record.
func (r *Record) Header() Header {
	return NewHeader(r.Key.Version, r.SourceCounter, r.Compression)
}

// Cache stores compiled artifacts addressed by Key. Implementations:
// [LocalCache] (disk LRU) and the wire-backed remote cache.
type Cache interface {
	// Get returns the record and decompressed payload for key.
	// resource.ErrNotFound when absent. When wantCounter is nonzero
	// and the stored artifact's SourceCounter differs, Get returns
	// resource.ErrStale — the caller supplies the live source counter,
	// the cache never consults clocks or source backends. wantCounter
	// zero skips the staleness comparison (inspection tools).
	Get(ctx context.Context, key resource.Key, wantCounter change.Counter) (*Record, stream.Stream, error)

	// Put stores an artifact. Last writer wins on exact Key. The
	// cache chooses the at-rest compression itself; rec.Compression
	// is set by Put.
	Put(ctx context.Context, rec *Record, payload stream.Stream) error

	// Delete removes the artifact for key. resource.ErrNotFound when
	// absent.
	Delete(ctx context.Context, key resource.Key) error

	// Contains reports whether an artifact for key is present, at any
	// counter.
	Contains(ctx context.Context, key resource.Key) bool

	// Events exposes the cache's bus: Compiled on Put, Removed on
	// Delete and eviction.
	Events() *event.Bus

	Close() error
}
