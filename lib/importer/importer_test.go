// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package importer_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/importer"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
	"github.com/quarry-build/quarry/lib/stream"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newStore(t *testing.T) *source.LocalStore {
	t.Helper()
	store, err := source.OpenLocal(source.LocalStoreConfig{
		Root:   filepath.Join(t.TempDir(), "store"),
		Logger: discard(),
	})
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newMap(t *testing.T) *importer.Map {
	t.Helper()
	m, err := importer.OpenMap(importer.MapConfig{
		Path:   filepath.Join(t.TempDir(), "imports.db"),
		Logger: discard(),
	})
	if err != nil {
		t.Fatalf("OpenMap: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func pngRegistry(t *testing.T) *importer.Registry {
	t.Helper()
	reg := importer.NewRegistry()
	if err := reg.Register(importer.NewFileImporter("texture", "texture", ".png")); err != nil {
		t.Fatal(err)
	}
	return reg
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileImporterMatch(t *testing.T) {
	imp := importer.NewFileImporter("texture", "texture", ".png", "jpg")

	tests := []struct {
		path string
		want bool
	}{
		{"stone.png", true},
		{"assets/STONE.PNG", true},
		{"photo.jpg", true},
		{"notes.txt", false},
		{"png", false},
		{"archive.png.bak", false},
	}
	for _, tt := range tests {
		if got := imp.Match(tt.path); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestFileImporterImport(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	content := []byte("png bytes")
	path := filepath.Join(dir, "textures", "stone.png")
	writeFile(t, path, content)

	imp := importer.NewFileImporter("texture", "texture", ".png")
	id, err := imp.Import(ctx, path, store)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if id != importer.PathID(path) {
		t.Errorf("id = %s, want the path-derived %s", id, importer.PathID(path))
	}

	rec, payload, err := store.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := stream.ReadAll(payload)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("payload = %q, want %q", data, content)
	}

	canonical := importer.CanonicalPath(path)
	if got := rec.Properties[source.PropName]; got != strings.TrimSuffix(canonical, ".png") {
		t.Errorf("name property = %q, want %q", got, strings.TrimSuffix(canonical, ".png"))
	}
	if got := rec.Properties[source.PropType]; got != "texture" {
		t.Errorf("type property = %q, want %q", got, "texture")
	}
	if got := rec.Properties[source.PropImportPath]; got != canonical {
		t.Errorf("import-path property = %q, want %q", got, canonical)
	}
	if got := rec.Properties[source.PropImportSignature]; got != change.HashImportSignature(content).String() {
		t.Errorf("import-signature property = %q, want %q",
			got, change.HashImportSignature(content).String())
	}
	if rec.Counter != 1 {
		t.Errorf("counter = %d, want 1", rec.Counter)
	}
}

func TestFileImporterDerivesStableIDs(t *testing.T) {
	// Messy spellings of the same path canonicalize to the same
	// identifier; a different path gets a different one.
	base := importer.PathID("assets/stone.png")
	if importer.PathID("assets//./stone.png") != base {
		t.Error("equivalent path derived a different id")
	}
	if importer.PathID("assets/dirt.png") == base {
		t.Error("different path derived the same id")
	}
}

func TestFileImporterReimportUnchangedKeepsCounter(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "stone.png")
	writeFile(t, path, []byte("v1"))

	imp := importer.NewFileImporter("texture", "texture", ".png")
	id, err := imp.Import(ctx, path, store)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := imp.Import(ctx, path, store); err != nil {
		t.Fatal(err)
	}

	rec, err := store.FetchRecord(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Counter != 1 {
		t.Errorf("counter after identical re-import = %d, want 1", rec.Counter)
	}
}

// stubImporter matches one extension and returns a fixed outcome,
// counting how often it was asked.
type stubImporter struct {
	name  string
	ext   string
	id    resource.ID
	err   error
	calls int
}

func (s *stubImporter) Name() string { return s.name }

func (s *stubImporter) Match(path string) bool {
	return strings.HasSuffix(path, s.ext)
}

func (s *stubImporter) Import(ctx context.Context, path string, store source.Backend) (resource.ID, error) {
	s.calls++
	if s.err != nil {
		return resource.Nil, s.err
	}
	return s.id, nil
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	reg := importer.NewRegistry()
	if err := reg.Register(&stubImporter{name: "mesh", ext: ".obj"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&stubImporter{name: "mesh", ext: ".fbx"}); err == nil {
		t.Error("duplicate importer name accepted")
	}
	if got := reg.Names(); len(got) != 1 || got[0] != "mesh" {
		t.Errorf("Names = %v, want [mesh]", got)
	}
}

func TestRegistryImportTriesMatchingInOrder(t *testing.T) {
	errBroken := errors.New("decoder exploded")
	broken := &stubImporter{name: "broken", ext: ".obj", err: errBroken}
	working := &stubImporter{name: "working", ext: ".obj", id: resource.NewID()}
	other := &stubImporter{name: "other", ext: ".fbx", id: resource.NewID()}

	reg := importer.NewRegistry()
	for _, imp := range []importer.Importer{broken, working, other} {
		if err := reg.Register(imp); err != nil {
			t.Fatal(err)
		}
	}

	id, err := reg.Import(context.Background(), "model.obj", newStore(t))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if id != working.id {
		t.Errorf("id = %s, want the second importer's %s", id, working.id)
	}
	if broken.calls != 1 || working.calls != 1 || other.calls != 0 {
		t.Errorf("calls = %d/%d/%d, want 1/1/0", broken.calls, working.calls, other.calls)
	}
}

func TestRegistryImportReportsLastFailure(t *testing.T) {
	errLast := errors.New("still broken")
	reg := importer.NewRegistry()
	if err := reg.Register(&stubImporter{name: "first", ext: ".obj", err: errors.New("first failure")}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&stubImporter{name: "second", ext: ".obj", err: errLast}); err != nil {
		t.Fatal(err)
	}

	_, err := reg.Import(context.Background(), "model.obj", newStore(t))
	if !errors.Is(err, errLast) {
		t.Errorf("Import error = %v, want the last importer's failure", err)
	}
}

func TestRegistryImportNoMatch(t *testing.T) {
	reg := pngRegistry(t)
	_, err := reg.Import(context.Background(), "notes.txt", newStore(t))
	if !errors.Is(err, importer.ErrNoImporter) {
		t.Errorf("Import error = %v, want ErrNoImporter", err)
	}
}

func TestMapRoundTrip(t *testing.T) {
	m := newMap(t)
	ctx := context.Background()

	id := resource.NewID()
	sig := change.HashImportSignature([]byte("v1"))
	if err := m.Record(ctx, "assets/stone.png", id, sig); err != nil {
		t.Fatalf("Record: %v", err)
	}

	mapping, err := m.Lookup(ctx, "assets/stone.png")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if mapping.ID != id || mapping.Signature != sig {
		t.Errorf("mapping = %s/%s, want %s/%s", mapping.ID, mapping.Signature, id, sig)
	}

	// Paths are keyed canonically: a messy spelling hits the entry.
	if _, err := m.Lookup(ctx, "assets//./stone.png"); err != nil {
		t.Errorf("Lookup of equivalent path: %v", err)
	}

	// Re-recording replaces the signature.
	sig2 := change.HashImportSignature([]byte("v2"))
	if err := m.Record(ctx, "assets/stone.png", id, sig2); err != nil {
		t.Fatal(err)
	}
	mapping, err = m.Lookup(ctx, "assets/stone.png")
	if err != nil {
		t.Fatal(err)
	}
	if mapping.Signature != sig2 {
		t.Error("re-record did not replace the signature")
	}

	if err := m.Forget(ctx, "assets/stone.png"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := m.Lookup(ctx, "assets/stone.png"); !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("Lookup after Forget = %v, want ErrNotFound", err)
	}

	// Forgetting an unknown path is a no-op.
	if err := m.Forget(ctx, "never/recorded.png"); err != nil {
		t.Errorf("Forget of unknown path: %v", err)
	}
}

func TestMapRejectsNilID(t *testing.T) {
	m := newMap(t)
	sig := change.HashImportSignature([]byte("x"))
	if err := m.Record(context.Background(), "a.png", resource.Nil, sig); err == nil {
		t.Error("nil id accepted")
	}
}

func TestImportFileSkipsUnchanged(t *testing.T) {
	store := newStore(t)
	m := newMap(t)
	reg := pngRegistry(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "stone.png")
	writeFile(t, path, []byte("v1"))

	id, stored, err := importer.ImportFile(ctx, reg, m, store, path)
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if !stored {
		t.Error("first import did not store")
	}

	again, stored, err := importer.ImportFile(ctx, reg, m, store, path)
	if err != nil {
		t.Fatalf("ImportFile again: %v", err)
	}
	if stored {
		t.Error("unchanged re-import stored")
	}
	if again != id {
		t.Errorf("re-import id = %s, want %s", again, id)
	}

	writeFile(t, path, []byte("v2"))
	_, stored, err = importer.ImportFile(ctx, reg, m, store, path)
	if err != nil {
		t.Fatalf("ImportFile after change: %v", err)
	}
	if !stored {
		t.Error("changed file did not re-store")
	}
	rec, err := store.FetchRecord(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Counter != 2 {
		t.Errorf("counter = %d, want 2", rec.Counter)
	}
}

func TestImportFileWithoutMap(t *testing.T) {
	store := newStore(t)
	reg := pngRegistry(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "stone.png")
	writeFile(t, path, []byte("v1"))

	id, stored, err := importer.ImportFile(ctx, reg, nil, store, path)
	if err != nil {
		t.Fatal(err)
	}
	if !stored {
		t.Error("first import did not store")
	}

	// Without a map every call goes to the store; idempotence keeps the
	// counter still.
	_, stored, err = importer.ImportFile(ctx, reg, nil, store, path)
	if err != nil {
		t.Fatal(err)
	}
	if !stored {
		t.Error("map-less re-import reported a skip")
	}
	rec, err := store.FetchRecord(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Counter != 1 {
		t.Errorf("counter = %d, want 1", rec.Counter)
	}
}

func TestImportTree(t *testing.T) {
	store := newStore(t)
	m := newMap(t)
	reg := pngRegistry(t)
	ctx := context.Background()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "stone.png"), []byte("stone"))
	writeFile(t, filepath.Join(root, "deep", "nested", "dirt.png"), []byte("dirt"))
	writeFile(t, filepath.Join(root, "readme.txt"), []byte("skip me"))

	stored, err := importer.ImportTree(ctx, reg, m, store, root)
	if err != nil {
		t.Fatalf("ImportTree: %v", err)
	}
	if stored != 2 {
		t.Errorf("stored = %d, want 2", stored)
	}

	for _, p := range []string{
		filepath.Join(root, "stone.png"),
		filepath.Join(root, "deep", "nested", "dirt.png"),
	} {
		if _, err := store.FetchRecord(ctx, importer.PathID(p)); err != nil {
			t.Errorf("record for %s: %v", p, err)
		}
	}
	if _, err := store.FetchRecord(ctx, importer.PathID(filepath.Join(root, "readme.txt"))); !errors.Is(err, resource.ErrNotFound) {
		t.Error("unmatched file was imported")
	}

	// A second pass over the unchanged tree is all map hits.
	stored, err = importer.ImportTree(ctx, reg, m, store, root)
	if err != nil {
		t.Fatal(err)
	}
	if stored != 0 {
		t.Errorf("second pass stored = %d, want 0", stored)
	}
}

func TestImportTreeContinuesPastFailures(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	errBroken := errors.New("unreadable mesh")
	reg := importer.NewRegistry()
	if err := reg.Register(&stubImporter{name: "mesh", ext: ".obj", err: errBroken}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(importer.NewFileImporter("texture", "texture", ".png")); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "broken.obj"), []byte("mesh"))
	writeFile(t, filepath.Join(root, "stone.png"), []byte("stone"))

	stored, err := importer.ImportTree(ctx, reg, nil, store, root)
	if !errors.Is(err, errBroken) {
		t.Errorf("ImportTree error = %v, want the importer failure", err)
	}
	if stored != 1 {
		t.Errorf("stored = %d, want 1", stored)
	}
	if _, err := store.FetchRecord(ctx, importer.PathID(filepath.Join(root, "stone.png"))); err != nil {
		t.Errorf("good file not imported: %v", err)
	}
}
