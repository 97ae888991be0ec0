// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
	"github.com/quarry-build/quarry/lib/stream"
)

// ErrNoImporter reports that no registered importer accepts a path.
var ErrNoImporter = errors.New("no importer for path")

// Importer ingests one file into a source backend. Implementations
// must be safe for concurrent Import calls.
type Importer interface {
	// Name identifies the importer in logs and errors.
	Name() string

	// Match reports whether this importer handles the given path.
	// Match must be cheap; it runs on every filesystem event under a
	// watched tree.
	Match(path string) bool

	// Import reads the file at path and stores it. It returns the
	// identifier the source landed on.
	Import(ctx context.Context, path string, store source.Backend) (resource.ID, error)
}

// Registry holds importers in registration order. The first one whose
// Match accepts a path gets to import it; when it fails, the next
// matching importer is tried.
type Registry struct {
	mu        sync.RWMutex
	importers []Importer
}

// NewRegistry returns an empty importer registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends an importer. Duplicate names are rejected so a
// misconfigured double-registration fails loudly at startup.
func (r *Registry) Register(imp Importer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.importers {
		if existing.Name() == imp.Name() {
			return fmt.Errorf("importer: %q already registered", imp.Name())
		}
	}
	r.importers = append(r.importers, imp)
	return nil
}

// Match returns the first importer accepting path.
func (r *Registry) Match(path string) (Importer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, imp := range r.importers {
		if imp.Match(path) {
			return imp, true
		}
	}
	return nil, false
}

// Names lists registered importers in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.importers))
	for i, imp := range r.importers {
		names[i] = imp.Name()
	}
	return names
}

// Import runs the matching importers against path in registration
// order and returns the first success. When every matching importer
// fails, the last failure is returned; when none matches, ErrNoImporter.
func (r *Registry) Import(ctx context.Context, path string, store source.Backend) (resource.ID, error) {
	r.mu.RLock()
	importers := append([]Importer(nil), r.importers...)
	r.mu.RUnlock()

	var lastErr error
	for _, imp := range importers {
		if !imp.Match(path) {
			continue
		}
		id, err := imp.Import(ctx, path, store)
		if err == nil {
			return id, nil
		}
		lastErr = fmt.Errorf("importer: %s: %w", imp.Name(), err)
	}
	if lastErr != nil {
		return resource.Nil, lastErr
	}
	return resource.Nil, fmt.Errorf("importer: %s: %w", path, ErrNoImporter)
}

// CanonicalPath returns the form of path that import identity is built
// on: cleaned, with forward slashes on every platform. Identical
// canonical paths yield identical derived identifiers and identical
// import map keys.
func CanonicalPath(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

// PathID returns the identifier a path-derived import lands on.
func PathID(p string) resource.ID {
	return resource.DeriveID(resource.NamespacePath, CanonicalPath(p))
}

// FileSignature computes the import signature of the file at path by
// streaming its bytes through the import-domain hash.
func FileSignature(p string) (change.Hash, error) {
	f, err := os.Open(p)
	if err != nil {
		return change.Hash{}, fmt.Errorf("importer: open %s: %w", p, err)
	}
	defer f.Close()

	hasher := change.NewSignatureHasher()
	if _, err := io.Copy(hasher, f); err != nil {
		return change.Hash{}, fmt.Errorf("importer: hashing %s: %w", p, err)
	}
	return hasher.Sum(), nil
}

// FileImporter ingests files whose payload is the file's bytes,
// unchanged. It matches on extension and stamps a fixed type property
// on everything it stores, which is what selects the compiler later.
type FileImporter struct {
	name       string
	sourceType string
	extensions map[string]bool
}

// NewFileImporter builds an importer named name that accepts the given
// extensions (leading dot optional, case-insensitive) and stores
// matching files as sourceType sources.
func NewFileImporter(name, sourceType string, extensions ...string) *FileImporter {
	exts := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	return &FileImporter{name: name, sourceType: sourceType, extensions: exts}
}

// Name identifies the importer.
func (f *FileImporter) Name() string { return f.name }

// Match accepts paths whose extension is registered.
func (f *FileImporter) Match(p string) bool {
	return f.extensions[strings.ToLower(filepath.Ext(p))]
}

// Import stores the file under its path-derived identifier. The name
// property is the canonical path with the extension trimmed; the
// import-path and import-signature properties record where the payload
// came from and what it hashed to at import time.
func (f *FileImporter) Import(ctx context.Context, p string, store source.Backend) (resource.ID, error) {
	canonical := CanonicalPath(p)
	id := resource.DeriveID(resource.NamespacePath, canonical)

	signature, err := FileSignature(p)
	if err != nil {
		return resource.Nil, err
	}

	payload, err := stream.FromFile(p)
	if err != nil {
		return resource.Nil, fmt.Errorf("importer: %w", err)
	}
	defer payload.Close()

	properties := map[string]string{
		source.PropName:            strings.TrimSuffix(canonical, path.Ext(canonical)),
		source.PropType:            f.sourceType,
		source.PropImportPath:      canonical,
		source.PropImportSignature: signature.String(),
	}
	if _, err := store.Store(ctx, id, properties, payload); err != nil {
		return resource.Nil, fmt.Errorf("importer: storing %s: %w", canonical, err)
	}
	return id, nil
}

// DefaultImporters is the built-in set shared by sourced autoimport and
// the command-line import: common asset files stored verbatim, typed by
// extension. Callers with richer needs register their own importers
// ahead of (or instead of) these.
func DefaultImporters() []Importer {
	return []Importer{
		NewFileImporter("texture", "texture", ".png", ".jpg", ".jpeg", ".tga", ".bmp", ".ktx"),
		NewFileImporter("model", "model", ".obj", ".gltf", ".glb", ".fbx"),
		NewFileImporter("audio", "audio", ".wav", ".ogg", ".flac"),
		NewFileImporter("shader", "shader", ".glsl", ".hlsl", ".wgsl"),
		NewFileImporter("data", "data", ".json", ".yaml", ".yml", ".xml", ".csv", ".txt"),
	}
}

// ImportFile is one map-aware import. When m already maps path with a
// signature matching the file's current bytes, nothing is stored and
// the mapped identifier is returned with stored=false. A nil map skips
// the check and always imports.
//
// The map entry is written only after a successful import, so a file
// that changes between the signature read and the importer's own read
// is simply re-imported on its next event.
func ImportFile(ctx context.Context, reg *Registry, m *Map, store source.Backend, path string) (id resource.ID, stored bool, err error) {
	signature, err := FileSignature(path)
	if err != nil {
		return resource.Nil, false, err
	}

	if m != nil {
		mapping, err := m.Lookup(ctx, path)
		switch {
		case err == nil && mapping.Signature == signature:
			return mapping.ID, false, nil
		case err != nil && !errors.Is(err, resource.ErrNotFound):
			return resource.Nil, false, err
		}
	}

	id, err = reg.Import(ctx, path, store)
	if err != nil {
		return resource.Nil, false, err
	}

	if m != nil {
		if err := m.Record(ctx, path, id, signature); err != nil {
			return id, true, err
		}
	}
	return id, true, nil
}

// ImportTree walks root and imports every regular file some registered
// importer matches. Per-file failures do not stop the walk; they are
// joined into the returned error. The count reports files that
// actually stored (map hits on unchanged files are not counted).
func ImportTree(ctx context.Context, reg *Registry, m *Map, store source.Backend, root string) (int, error) {
	stored := 0
	var errs []error

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, ok := reg.Match(p); !ok {
			return nil
		}
		_, didStore, err := ImportFile(ctx, reg, m, store, p)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if didStore {
			stored++
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, fmt.Errorf("importer: walking %s: %w", root, walkErr))
	}
	return stored, errors.Join(errs...)
}
