// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFromBytes(t *testing.T) {
	payload := []byte("opaque payload bytes")
	s := FromBytes(payload)
	if s.Size() != int64(len(payload)) {
		t.Fatalf("Size = %d, want %d", s.Size(), len(payload))
	}
	got, err := ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadAll = %q", got)
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.bin")
	payload := bytes.Repeat([]byte{0xAB}, 4096)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if s.Size() != 4096 {
		t.Fatalf("Size = %d, want 4096", s.Size())
	}
	got, err := ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("file payload mismatch")
	}
}

func TestFromFileMissing(t *testing.T) {
	if _, err := FromFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("FromFile on missing path succeeded")
	}
}

func TestReadAllDetectsSizeMismatch(t *testing.T) {
	// A reader that delivers fewer bytes than the stream declares is a
	// truncation and must not be returned as a valid payload.
	s := FromReader(strings.NewReader("short"), 100)
	if _, err := ReadAll(s); err == nil {
		t.Fatal("ReadAll accepted truncated payload")
	}
}

func TestFromReaderPassesClose(t *testing.T) {
	closed := false
	s := FromReader(&closeRecorder{Reader: strings.NewReader("x"), closed: &closed}, 1)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !closed {
		t.Fatal("Close did not reach the underlying reader")
	}
}

type closeRecorder struct {
	*strings.Reader
	closed *bool
}

func (c *closeRecorder) Close() error {
	*c.closed = true
	return nil
}
