// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package bundle reads and writes ordered snapshots of compiled
// artifacts for deployment.
//
// A bundle starts with the 4-byte magic "QBN1" followed by a single
// zstd stream. Inside the stream: a big-endian uint32 index length,
// the index (a deterministic-CBOR array of [Entry] in insertion
// order), then the entry payloads back to back in the same order.
// Entry order is load order, so the Writer preserves insertion order
// exactly and rejects a second entry for an ID already present.
//
// Every entry carries a bundle-domain BLAKE3 digest of its payload.
// [Open] verifies all digests, so a Reader never hands out corrupt
// bytes.
package bundle

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/codec"
	"github.com/quarry-build/quarry/lib/compiled"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/stream"
)

// ErrDuplicate is returned when a bundle would contain the same
// resource ID twice. A bundle is a set over IDs; two platform
// variants of one resource belong in two bundles.
var ErrDuplicate = errors.New("duplicate resource in bundle")

// bundleMagic identifies a bundle file, version 1.
var bundleMagic = [4]byte{'Q', 'B', 'N', '1'}

// maxIndexSize bounds the encoded index. At well under 200 bytes per
// entry this allows bundles far larger than any deployment ships.
const maxIndexSize = 16 << 20

// Entry describes one artifact in a bundle. Entries appear in the
// index in insertion order, which is the order Unpack loads them.
type Entry struct {
	// Key addresses the compiled artifact.
	Key resource.Key `cbor:"key" json:"key"`

	// SourceCounter is the source change counter the artifact was
	// compiled from.
	SourceCounter change.Counter `cbor:"source_counter" json:"sourceCounter"`

	// SourceHash is the content hash of the source at that counter.
	SourceHash change.Hash `cbor:"source_hash" json:"sourceHash"`

	// Digest is the bundle-domain BLAKE3 hash of the payload bytes.
	Digest change.Hash `cbor:"digest" json:"digest"`

	// Offset is the payload's position within the decompressed
	// payload region that follows the index.
	Offset int64 `cbor:"offset" json:"offset"`

	// Size is the payload length in bytes.
	Size int64 `cbor:"size" json:"size"`
}

// Writer accumulates artifacts and writes them as one bundle. The
// index precedes the payloads in the stream, so the writer holds
// added payloads in memory until [Writer.Flush].
type Writer struct {
	entries  []Entry
	payloads [][]byte
	seen     map[resource.ID]struct{}
	offset   int64
}

// NewWriter creates an empty bundle writer.
func NewWriter() *Writer {
	return &Writer{seen: make(map[resource.ID]struct{})}
}

// Add appends one artifact. The payload is the uncompressed artifact
// bytes and must match rec.Size; the writer keeps the slice until
// Flush. Adding an ID twice fails with [ErrDuplicate].
func (w *Writer) Add(rec *compiled.Record, payload []byte) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("bundle: %w", err)
	}
	if int64(len(payload)) != rec.Size {
		return fmt.Errorf("bundle: %s payload is %d bytes, record says %d", rec.Key, len(payload), rec.Size)
	}
	if _, dup := w.seen[rec.Key.ID]; dup {
		return fmt.Errorf("bundle: %s: %w", rec.Key.ID, ErrDuplicate)
	}
	w.seen[rec.Key.ID] = struct{}{}
	w.entries = append(w.entries, Entry{
		Key:           rec.Key,
		SourceCounter: rec.SourceCounter,
		SourceHash:    rec.SourceHash,
		Digest:        change.HashBundleEntry(payload),
		Offset:        w.offset,
		Size:          int64(len(payload)),
	})
	w.payloads = append(w.payloads, payload)
	w.offset += int64(len(payload))
	return nil
}

// Len returns the number of entries added so far.
func (w *Writer) Len() int {
	return len(w.entries)
}

// Flush writes the complete bundle to out and returns the number of
// bytes written. The writer is reset for reuse on success and left
// untouched on failure.
func (w *Writer) Flush(out io.Writer) (int64, error) {
	if len(w.entries) == 0 {
		return 0, fmt.Errorf("bundle: nothing to write")
	}

	index, err := codec.Marshal(w.entries)
	if err != nil {
		return 0, fmt.Errorf("bundle: encoding index: %w", err)
	}
	if len(index) > maxIndexSize {
		return 0, fmt.Errorf("bundle: index is %d bytes, limit %d", len(index), maxIndexSize)
	}

	cw := &countingWriter{w: out}
	if _, err := cw.Write(bundleMagic[:]); err != nil {
		return cw.n, fmt.Errorf("bundle: writing magic: %w", err)
	}
	enc, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return cw.n, fmt.Errorf("bundle: opening compressed stream: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(index)))
	if _, err := enc.Write(lenBuf[:]); err != nil {
		enc.Close()
		return cw.n, fmt.Errorf("bundle: writing index length: %w", err)
	}
	if _, err := enc.Write(index); err != nil {
		enc.Close()
		return cw.n, fmt.Errorf("bundle: writing index: %w", err)
	}
	for i, payload := range w.payloads {
		if _, err := enc.Write(payload); err != nil {
			enc.Close()
			return cw.n, fmt.Errorf("bundle: writing entry %s payload: %w", w.entries[i].Key, err)
		}
	}
	if err := enc.Close(); err != nil {
		return cw.n, fmt.Errorf("bundle: closing compressed stream: %w", err)
	}

	w.entries = w.entries[:0]
	w.payloads = w.payloads[:0]
	w.seen = make(map[resource.ID]struct{})
	w.offset = 0
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Reader is a fully loaded, digest-verified bundle.
type Reader struct {
	entries  []Entry
	payloads [][]byte
	byID     map[resource.ID]int
}

// Open reads an entire bundle from r, verifying the magic, the index
// layout, and every entry digest. Any corruption fails Open with an
// error naming the offending entry.
func Open(r io.Reader) (*Reader, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("bundle: reading magic: %w", err)
	}
	if magic != bundleMagic {
		return nil, fmt.Errorf("bundle: bad magic %q", magic)
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("bundle: opening compressed stream: %w", err)
	}
	defer dec.Close()

	var lenBuf [4]byte
	if _, err := io.ReadFull(dec, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("bundle: reading index length: %w", err)
	}
	indexLen := binary.BigEndian.Uint32(lenBuf[:])
	if indexLen == 0 || indexLen > maxIndexSize {
		return nil, fmt.Errorf("bundle: index length %d out of range", indexLen)
	}
	index := make([]byte, indexLen)
	if _, err := io.ReadFull(dec, index); err != nil {
		return nil, fmt.Errorf("bundle: reading index: %w", err)
	}
	var entries []Entry
	if err := codec.Unmarshal(index, &entries); err != nil {
		return nil, fmt.Errorf("bundle: decoding index: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("bundle: empty index")
	}

	payloads := make([][]byte, len(entries))
	byID := make(map[resource.ID]int, len(entries))
	var offset int64
	for i, e := range entries {
		if err := e.Key.Validate(); err != nil {
			return nil, fmt.Errorf("bundle: entry %d: %w", i, err)
		}
		if e.Size < 0 {
			return nil, fmt.Errorf("bundle: entry %s: negative size %d", e.Key, e.Size)
		}
		if e.Offset != offset {
			return nil, fmt.Errorf("bundle: entry %s: offset %d, want %d", e.Key, e.Offset, offset)
		}
		if _, dup := byID[e.Key.ID]; dup {
			return nil, fmt.Errorf("bundle: entry %s: %w", e.Key, ErrDuplicate)
		}
		byID[e.Key.ID] = i

		payload := make([]byte, e.Size)
		if _, err := io.ReadFull(dec, payload); err != nil {
			return nil, fmt.Errorf("bundle: reading entry %s payload: %w", e.Key, err)
		}
		if change.HashBundleEntry(payload) != e.Digest {
			return nil, fmt.Errorf("bundle: entry %s: digest mismatch", e.Key)
		}
		payloads[i] = payload
		offset += e.Size
	}

	var extra [1]byte
	if n, _ := io.ReadFull(dec, extra[:]); n != 0 {
		return nil, fmt.Errorf("bundle: trailing data after last entry")
	}

	return &Reader{entries: entries, payloads: payloads, byID: byID}, nil
}

// Entries returns the bundle's entries in insertion order.
func (r *Reader) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Payload returns the verified payload bytes for id.
// resource.ErrNotFound when the bundle has no entry for it.
func (r *Reader) Payload(id resource.ID) (stream.Stream, error) {
	i, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("bundle: %s: %w", id, resource.ErrNotFound)
	}
	return stream.FromBytes(r.payloads[i]), nil
}

// Unpack loads every entry into cache in bundle order.
func (r *Reader) Unpack(ctx context.Context, cache compiled.Cache) error {
	for i, e := range r.entries {
		rec := compiled.Record{
			Key:           e.Key,
			SourceCounter: e.SourceCounter,
			SourceHash:    e.SourceHash,
			Size:          e.Size,
		}
		if err := cache.Put(ctx, &rec, stream.FromBytes(r.payloads[i])); err != nil {
			return fmt.Errorf("bundle: unpacking %s: %w", e.Key, err)
		}
	}
	return nil
}
