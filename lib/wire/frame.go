// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quarry-build/quarry/lib/resource"
)

// MaxFrame is the largest frame body (tag byte plus payload) either
// side accepts. Larger frames are a protocol violation.
const MaxFrame = 64 << 20

// writeFrame sends one frame: the 4-byte big-endian body length, the
// tag byte, and the payload. The frame is assembled into a single
// buffer so it reaches the wire in one write.
func writeFrame(w io.Writer, tag byte, payload []byte) error {
	n := 1 + len(payload)
	if n > MaxFrame {
		return fmt.Errorf("wire: %d byte frame exceeds %d: %w", n, MaxFrame, resource.ErrProtocol)
	}
	buf := make([]byte, 4+n)
	binary.BigEndian.PutUint32(buf[0:4], uint32(n))
	buf[4] = tag
	copy(buf[5:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// readFrame reads one frame and returns its tag byte and payload.
// A missing tag byte or an oversized length wraps
// [resource.ErrProtocol]; I/O errors pass through, so a clean
// connection close surfaces as io.EOF.
func readFrame(r io.Reader) (byte, []byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("wire: zero-length frame: %w", resource.ErrProtocol)
	}
	if n > MaxFrame {
		return 0, nil, fmt.Errorf("wire: %d byte frame exceeds %d: %w", n, MaxFrame, resource.ErrProtocol)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return body[0], body[1:], nil
}
