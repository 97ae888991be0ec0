// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"os"
	"path/filepath"
	"testing"
)

// testConfig writes a config file that keeps store and cache under a
// fresh temp dir, so command tests never touch real daemon state. It
// returns the config path and the temp dir.
func testConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	content := "root: " + dir + "\n" +
		"cache:\n  root: " + filepath.Join(dir, "cache") + "\n" +
		"source:\n  store: " + filepath.Join(dir, "source") + "\n"
	path := filepath.Join(dir, "quarry.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

// writeAsset writes content to name under a fresh temp dir and returns
// the file path.
func writeAsset(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
