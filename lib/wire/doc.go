// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the daemon protocol: length-prefixed CBOR
// frames over TCP or a Unix socket.
//
// A frame is a 4-byte big-endian length, one tag byte, and a CBOR
// payload; the length counts the tag byte plus the payload. On a
// request the tag is an [Opcode], on a response it is a [Status].
// Every connection carries exactly one request and one response —
// except [OpSubscribe], which upgrades the connection to a one-way
// stream of StatusEvent frames.
//
// [Server] accepts connections and dispatches registered handlers.
// Protocol violations (oversized frames, unknown opcodes, undecodable
// payloads) are fatal to the offending connection and never to the
// daemon. [Client] dials per call, fails fast with
// resource.ErrUnavailable when the daemon is unreachable, and keeps
// subscriptions alive across reconnects, surfacing a synthetic Resync
// after every gap.
package wire
