// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package importer

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/sqlitepool"
)

// mapSchema is the import map: which resource a path was imported to
// and what the file hashed to at that moment.
const mapSchema = `
CREATE TABLE IF NOT EXISTS imports (
	path      TEXT PRIMARY KEY,
	id        TEXT NOT NULL,
	signature BLOB NOT NULL
);
`

// MapConfig holds the parameters for opening an import map.
type MapConfig struct {
	// Path is the SQLite database file. The imports table is created
	// if missing, so pointing this at the source store's own database
	// is fine and is what sourced does.
	Path string

	// PoolSize is the SQLite connection pool size. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Defaults to slog.Default().
	Logger *slog.Logger
}

// Mapping is one import map entry.
type Mapping struct {
	// ID is the resource the path was imported to.
	ID resource.ID

	// Signature is the import signature of the file at import time.
	Signature change.Hash
}

// Map persists path→mapping so re-imports of unchanged files skip the
// store round-trip entirely. Paths are keyed in canonical form.
//
// The map caches import decisions; it is not a source of truth.
// Deleting a record without forgetting its path leaves a stale entry
// that suppresses re-import until the file's content changes.
type Map struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// OpenMap opens (or creates) the import map in the given database.
func OpenMap(cfg MapConfig) (*Map, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("importer: map Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, mapSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("importer: %w", err)
	}
	return &Map{pool: pool, logger: logger}, nil
}

// Close closes the map's connection pool.
func (m *Map) Close() error {
	return m.pool.Close()
}

// Lookup returns the mapping for path, or resource.ErrNotFound when
// the path was never recorded.
func (m *Map) Lookup(ctx context.Context, path string) (Mapping, error) {
	canonical := CanonicalPath(path)

	conn, err := m.pool.Take(ctx)
	if err != nil {
		return Mapping{}, fmt.Errorf("importer: map lookup %s: %w", canonical, err)
	}
	defer m.pool.Put(conn)

	var mapping Mapping
	found := false
	err = sqlitex.Execute(conn, `SELECT id, signature FROM imports WHERE path = ?`,
		&sqlitex.ExecOptions{
			Args: []any{canonical},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id, err := resource.ParseID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				if stmt.ColumnLen(1) != len(mapping.Signature) {
					return fmt.Errorf("stored signature is %d bytes, want %d",
						stmt.ColumnLen(1), len(mapping.Signature))
				}
				stmt.ColumnBytes(1, mapping.Signature[:])
				mapping.ID = id
				found = true
				return nil
			},
		})
	if err != nil {
		return Mapping{}, fmt.Errorf("importer: map lookup %s: %w", canonical, err)
	}
	if !found {
		return Mapping{}, fmt.Errorf("importer: map lookup %s: %w", canonical, resource.ErrNotFound)
	}
	return mapping, nil
}

// Record upserts the mapping for path.
func (m *Map) Record(ctx context.Context, path string, id resource.ID, signature change.Hash) error {
	if id.IsNil() {
		return fmt.Errorf("importer: map record %s: nil id", path)
	}
	canonical := CanonicalPath(path)

	conn, err := m.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("importer: map record %s: %w", canonical, err)
	}
	defer m.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO imports (path, id, signature) VALUES (?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET
			id = excluded.id,
			signature = excluded.signature`,
		&sqlitex.ExecOptions{
			Args: []any{canonical, id.String(), signature[:]},
		})
	if err != nil {
		return fmt.Errorf("importer: map record %s: %w", canonical, err)
	}
	return nil
}

// Forget drops the entry for path. Forgetting an unknown path is a
// no-op.
func (m *Map) Forget(ctx context.Context, path string) error {
	canonical := CanonicalPath(path)

	conn, err := m.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("importer: map forget %s: %w", canonical, err)
	}
	defer m.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM imports WHERE path = ?`,
		&sqlitex.ExecOptions{Args: []any{canonical}})
	if err != nil {
		return fmt.Errorf("importer: map forget %s: %w", canonical, err)
	}
	return nil
}
