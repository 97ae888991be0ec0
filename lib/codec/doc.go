// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides quarry's standard CBOR encoding configuration.
//
// Quarry uses two serialization formats with a clear boundary:
//
//   - CBOR for everything machine-to-machine: wire protocol payloads,
//     on-disk record metadata, the bundle index, and property maps
//     stored in SQLite.
//   - JSON only for CLI --json output, where humans and shell tooling
//     are the consumers.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every quarry package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC
// 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes — which is load-bearing here, because content hashing
// canonicalizes property maps by hashing their encoded form. Two
// property maps with equal contents must hash identically regardless
// of insertion order.
//
// For buffer-oriented operations (records, bundle entries):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (wire connections):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: the type is only ever serialized as CBOR (wire
//     messages, stored metadata).
//   - `json` tag: the type serves both JSON and CBOR. fxamacker/cbor
//     v2 reads `json` tags as fallback when `cbor` tags are absent,
//     so a single `json` tag controls field naming for both formats.
//     Record types printed by the CLI use this form.
//
// Never use both tags on the same field; the tag choice documents
// which contract the type participates in.
package codec
