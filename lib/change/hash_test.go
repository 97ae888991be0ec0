// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package change

import (
	"strings"
	"testing"
)

func TestHashContentDeterministic(t *testing.T) {
	properties := map[string]string{"name": "textures/stone", "type": "texture"}
	payload := []byte("payload bytes")

	first, err := HashContent(properties, payload)
	if err != nil {
		t.Fatalf("HashContent: %v", err)
	}
	second, err := HashContent(properties, payload)
	if err != nil {
		t.Fatalf("HashContent: %v", err)
	}

	if first != second {
		t.Errorf("same input hashed differently: %s != %s", first, second)
	}
	if first.IsZero() {
		t.Error("content hash is zero")
	}
}

func TestHashContentPropertyOrderIrrelevant(t *testing.T) {
	// Maps iterate in random order; the canonical CBOR encoding sorts
	// keys, so insertion order must not affect the hash.
	a := map[string]string{}
	a["name"] = "models/crate"
	a["type"] = "model"
	a["import-path"] = "assets/crate.obj"

	b := map[string]string{}
	b["import-path"] = "assets/crate.obj"
	b["type"] = "model"
	b["name"] = "models/crate"

	payload := []byte("obj data")

	hashA, err := HashContent(a, payload)
	if err != nil {
		t.Fatalf("HashContent a: %v", err)
	}
	hashB, err := HashContent(b, payload)
	if err != nil {
		t.Fatalf("HashContent b: %v", err)
	}

	if hashA != hashB {
		t.Errorf("property order changed hash: %s != %s", hashA, hashB)
	}
}

func TestHashContentSensitivity(t *testing.T) {
	base := map[string]string{"name": "a", "type": "text"}
	payload := []byte("content")

	baseHash, err := HashContent(base, payload)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		properties map[string]string
		payload    []byte
	}{
		{"property value changed", map[string]string{"name": "b", "type": "text"}, payload},
		{"property added", map[string]string{"name": "a", "type": "text", "extra": "x"}, payload},
		{"property removed", map[string]string{"name": "a"}, payload},
		{"payload changed", base, []byte("Content")},
		{"payload truncated", base, []byte("conten")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashContent(tt.properties, tt.payload)
			if err != nil {
				t.Fatal(err)
			}
			if hash == baseHash {
				t.Error("changed input produced the base hash")
			}
		})
	}
}

func TestContentHasherMatchesHashContent(t *testing.T) {
	properties := map[string]string{"name": "audio/theme", "type": "sound"}
	payload := []byte("a fairly long payload written in several chunks")

	whole, err := HashContent(properties, payload)
	if err != nil {
		t.Fatal(err)
	}

	hasher, err := NewContentHasher(properties)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(payload); i += 7 {
		end := min(i+7, len(payload))
		hasher.Write(payload[i:end])
	}

	if streamed := hasher.Sum(); streamed != whole {
		t.Errorf("incremental hash %s != whole-payload hash %s", streamed, whole)
	}
}

func TestDomainSeparation(t *testing.T) {
	payload := []byte("identical bytes")

	content, err := HashContent(map[string]string{}, payload)
	if err != nil {
		t.Fatal(err)
	}
	bundle := HashBundleEntry(payload)
	signature := HashImportSignature(payload)

	if content == bundle {
		t.Error("content and bundle domains produced the same hash")
	}
	if content == signature {
		t.Error("content and import domains produced the same hash")
	}
	if bundle == signature {
		t.Error("bundle and import domains produced the same hash")
	}
}

func TestSignatureHasherMatchesHashImportSignature(t *testing.T) {
	payload := []byte("file bytes streamed through in uneven chunks")

	whole := HashImportSignature(payload)

	hasher := NewSignatureHasher()
	for i := 0; i < len(payload); i += 11 {
		end := min(i+11, len(payload))
		hasher.Write(payload[i:end])
	}

	if streamed := hasher.Sum(); streamed != whole {
		t.Errorf("incremental signature %s != whole-file signature %s", streamed, whole)
	}
}

func TestFormatParseRoundtrip(t *testing.T) {
	hash, err := HashContent(map[string]string{"k": "v"}, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}

	formatted := FormatHash(hash)
	if len(formatted) != 64 {
		t.Fatalf("formatted hash is %d chars, want 64", len(formatted))
	}
	if formatted != strings.ToLower(formatted) {
		t.Error("formatted hash is not lowercase")
	}

	parsed, err := ParseHash(formatted)
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if parsed != hash {
		t.Errorf("roundtrip mismatch: %s != %s", parsed, hash)
	}
}

func TestParseHashRejectsMalformed(t *testing.T) {
	for _, input := range []string{
		"",
		"zz",
		strings.Repeat("ab", 16), // 32 chars: too short
		strings.Repeat("ab", 33), // 66 chars: too long
		strings.Repeat("g", 64),  // not hex
	} {
		if _, err := ParseHash(input); err == nil {
			t.Errorf("ParseHash(%q) succeeded, want error", input)
		}
	}
}
