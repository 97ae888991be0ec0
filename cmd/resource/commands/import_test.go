// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/quarry-build/quarry/lib/importer"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
)

func TestImportCommandTree(t *testing.T) {
	cfgPath, dir := testConfig(t)
	ctx := context.Background()

	tree := t.TempDir()
	files := map[string]string{
		"textures/stone.png": "png bytes",
		"data/config.json":   `{"tiles": 64}`,
		"README":             "not an asset",
	}
	for name, content := range files {
		p := filepath.Join(tree, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := ImportCommand().Execute(ctx, []string{tree, "--config", cfgPath}); err != nil {
		t.Fatalf("import: %v", err)
	}

	store, err := source.OpenLocal(source.LocalStoreConfig{Root: filepath.Join(dir, "source")})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	rec, err := store.FetchRecord(ctx, importer.PathID(filepath.Join(tree, "textures/stone.png")))
	if err != nil {
		t.Fatalf("texture missing after tree import: %v", err)
	}
	if rec.Type() != "texture" {
		t.Errorf("stone.png type = %q, want %q", rec.Type(), "texture")
	}

	rec, err = store.FetchRecord(ctx, importer.PathID(filepath.Join(tree, "data/config.json")))
	if err != nil {
		t.Fatalf("data file missing after tree import: %v", err)
	}
	if rec.Type() != "data" {
		t.Errorf("config.json type = %q, want %q", rec.Type(), "data")
	}

	_, err = store.FetchRecord(ctx, importer.PathID(filepath.Join(tree, "README")))
	if !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("README (no matching importer) lookup error = %v, want ErrNotFound", err)
	}
}

func TestImportCommandSingleFile(t *testing.T) {
	cfgPath, dir := testConfig(t)
	asset := writeAsset(t, "theme.ogg", "audio bytes")
	ctx := context.Background()

	if err := ImportCommand().Execute(ctx, []string{asset, "--config", cfgPath}); err != nil {
		t.Fatalf("import: %v", err)
	}

	store, err := source.OpenLocal(source.LocalStoreConfig{Root: filepath.Join(dir, "source")})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	rec, err := store.FetchRecord(ctx, importer.PathID(asset))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Type() != "audio" {
		t.Errorf("theme.ogg type = %q, want %q", rec.Type(), "audio")
	}
}
