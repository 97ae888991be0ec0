// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream carries resource payloads between stores, caches, the
// compile pipeline, and the wire protocol without forcing them into
// memory. A [Stream] is a sized, closeable reader; payload bytes are
// opaque everywhere except inside the compiler that consumes them.
package stream

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Stream is a readable payload with a known size. Consumers must Close
// it; closing releases the underlying file handle or buffer exactly
// once.
type Stream interface {
	io.Reader
	io.Closer

	// Size returns the total payload size in bytes, independent of how
	// much has been read.
	Size() int64
}

type byteStream struct {
	*bytes.Reader
	size int64
}

func (b *byteStream) Size() int64 { return b.size }
func (b *byteStream) Close() error {
	return nil
}

// FromBytes wraps an in-memory payload. The stream aliases data;
// callers must not mutate it while the stream is live.
func FromBytes(data []byte) Stream {
	return &byteStream{Reader: bytes.NewReader(data), size: int64(len(data))}
}

type fileStream struct {
	*os.File
	size int64
}

func (f *fileStream) Size() int64 { return f.size }

// FromFile opens path for reading and stats it for the size.
func FromFile(path string) (Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stream: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stream: stat %s: %w", path, err)
	}
	return &fileStream{File: f, size: info.Size()}, nil
}

type readerStream struct {
	io.Reader
	size   int64
	closer io.Closer
}

func (r *readerStream) Size() int64 { return r.size }
func (r *readerStream) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// FromReader wraps an arbitrary reader with a declared size. If r also
// implements io.Closer, Close passes through.
func FromReader(r io.Reader, size int64) Stream {
	s := &readerStream{Reader: r, size: size}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// ReadAll drains the stream into memory and closes it. It fails when
// the drained byte count disagrees with the declared size, which
// catches truncated files and short network reads early.
func ReadAll(s Stream) ([]byte, error) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		return nil, fmt.Errorf("stream: read: %w", err)
	}
	if int64(len(data)) != s.Size() {
		return nil, fmt.Errorf("stream: read %d bytes, declared size %d", len(data), s.Size())
	}
	return data, nil
}
