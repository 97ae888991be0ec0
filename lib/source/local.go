// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/codec"
	"github.com/quarry-build/quarry/lib/event"
	"github.com/quarry-build/quarry/lib/platform"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/sqlitepool"
	"github.com/quarry-build/quarry/lib/stream"
)

// storeSchema is the record index. Properties are stored as their
// deterministic CBOR encoding — the same bytes the content hash
// covers. Dependencies keep their list position because dependency
// order is meaningful to compilers. Tombstones record the last counter
// of deleted IDs: a re-created ID must resume above its old counter,
// never restart at 1, or cached artifacts compiled from the deleted
// content would pass the counter equality check.
const storeSchema = `
CREATE TABLE IF NOT EXISTS records (
	id           TEXT PRIMARY KEY,
	properties   BLOB NOT NULL,
	payload_size INTEGER NOT NULL,
	hash         BLOB NOT NULL,
	counter      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dependencies (
	id           TEXT NOT NULL,
	position     INTEGER NOT NULL,
	dep_id       TEXT NOT NULL,
	dep_platform INTEGER NOT NULL,
	PRIMARY KEY (id, position)
);

CREATE INDEX IF NOT EXISTS dependencies_reverse ON dependencies (dep_id);

CREATE TABLE IF NOT EXISTS tombstones (
	id      TEXT PRIMARY KEY,
	counter INTEGER NOT NULL
);
`

// LocalStoreConfig holds the parameters for opening a local store.
type LocalStoreConfig struct {
	// Root is the store directory. Created if absent. Holds
	// source.db and the sharded payload tree.
	Root string

	// PoolSize is the SQLite connection pool size. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// LocalStore is the disk-backed source Backend. Record metadata lives
// in SQLite; payloads live in a two-level sharded file tree, written
// atomically (temp file + rename). Counter allocation and the
// idempotence hash comparison happen inside one IMMEDIATE transaction
// so concurrent writers serialize correctly.
type LocalStore struct {
	root   string
	pool   *sqlitepool.Pool
	bus    *event.Bus
	logger *slog.Logger
}

var _ Backend = (*LocalStore)(nil)

// OpenLocal opens (or creates) a local store rooted at cfg.Root.
func OpenLocal(cfg LocalStoreConfig) (*LocalStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("source: Root is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("store", cfg.Root)

	if err := os.MkdirAll(filepath.Join(cfg.Root, "payload"), 0o755); err != nil {
		return nil, fmt.Errorf("source: creating store directories: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(cfg.Root, "source.db"),
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	return &LocalStore{
		root:   cfg.Root,
		pool:   pool,
		bus:    event.NewBus(),
		logger: logger,
	}, nil
}

// Close ends all event subscriptions and closes the index pool.
func (s *LocalStore) Close() error {
	s.bus.Close()
	return s.pool.Close()
}

// Events returns the store's mutation bus.
func (s *LocalStore) Events() *event.Bus {
	return s.bus
}

// Root returns the store directory.
func (s *LocalStore) Root() string {
	return s.root
}

// Fetch returns the record and an open payload stream.
func (s *LocalStore) Fetch(ctx context.Context, id resource.ID) (*Record, stream.Stream, error) {
	record, err := s.FetchRecord(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	payload, err := stream.FromFile(s.payloadPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("source: payload for %s missing from store: %w", id, err)
		}
		return nil, nil, fmt.Errorf("source: opening payload for %s: %w", id, err)
	}
	if payload.Size() != record.PayloadSize {
		payload.Close()
		return nil, nil, fmt.Errorf("source: payload for %s is %d bytes, index says %d",
			id, payload.Size(), record.PayloadSize)
	}
	return record, payload, nil
}

// FetchRecord returns the record metadata only.
func (s *LocalStore) FetchRecord(ctx context.Context, id resource.ID) (*Record, error) {
	if id.IsNil() {
		return nil, fmt.Errorf("source: fetch: %w", resource.ErrNotFound)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("source: fetch record %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	return readRecord(conn, id)
}

// Store writes a source representation. See Backend.Store for the
// idempotence and counter contract.
func (s *LocalStore) Store(ctx context.Context, id resource.ID, properties map[string]string, payload stream.Stream) (*Record, error) {
	if id.IsNil() {
		return nil, fmt.Errorf("source: store: nil id")
	}
	if properties == nil {
		properties = map[string]string{}
	}

	// Spool the payload to a temp file in the destination shard,
	// hashing as it streams through. The hash decides below whether
	// the temp file replaces the stored payload or is discarded.
	hasher, err := change.NewContentHasher(properties)
	if err != nil {
		return nil, fmt.Errorf("source: store %s: %w", id, err)
	}

	finalPath := s.payloadPath(id)
	shardDir := filepath.Dir(finalPath)
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return nil, fmt.Errorf("source: store %s: %w", id, err)
	}
	tmpFile, err := os.CreateTemp(shardDir, "payload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("source: store %s: %w", id, err)
	}
	tmpPath := tmpFile.Name()
	// Once the rename lands, this remove fails with ENOENT and is a
	// no-op; until then it cleans up every early return.
	defer os.Remove(tmpPath)

	size, err := io.Copy(io.MultiWriter(tmpFile, hasher), payload)
	if err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("source: store %s: spooling payload: %w", id, err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("source: store %s: syncing payload: %w", id, err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("source: store %s: closing payload: %w", id, err)
	}
	hash := hasher.Sum()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("source: store %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	record, kind, err := s.storeTx(conn, id, properties, hash, size, tmpPath)
	if err != nil {
		return nil, err
	}

	if kind != 0 {
		s.bus.Publish(change.Event{ID: id, Kind: kind, Counter: record.Counter})
		s.logger.Debug("source stored",
			"id", id.String(),
			"counter", uint64(record.Counter),
			"size", size,
		)
	}
	return record, nil
}

// storeTx runs the idempotence check and the index write in one
// IMMEDIATE transaction. The payload rename happens inside the
// transaction window, so concurrent Stores to the same ID cannot
// interleave file and index updates. Returns the resulting record and
// the event kind to publish (0 for an idempotent no-op).
func (s *LocalStore) storeTx(conn *sqlite.Conn, id resource.ID, properties map[string]string, hash change.Hash, size int64, tmpPath string) (_ *Record, _ change.Kind, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, 0, fmt.Errorf("source: store %s: begin: %w", id, err)
	}
	defer endTransaction(&err)

	existing, err := readRecord(conn, id)
	if err != nil && !errors.Is(err, resource.ErrNotFound) {
		return nil, 0, err
	}

	if existing != nil && existing.Hash == hash {
		// Identical content: the stored record stands, counter
		// untouched, temp payload discarded.
		return existing, 0, nil
	}

	var counter change.Counter
	kind := change.Modified
	if existing != nil {
		counter = existing.Counter + 1
	} else {
		// A fresh ID starts at 1; a re-created one resumes above its
		// tombstoned counter. The record row carries the counter from
		// here on, so the tombstone is consumed.
		last, err := takeTombstone(conn, id)
		if err != nil {
			return nil, 0, fmt.Errorf("source: store %s: %w", id, err)
		}
		counter = last + 1
		kind = change.Added
	}

	encodedProperties, err := codec.Marshal(properties)
	if err != nil {
		return nil, 0, fmt.Errorf("source: store %s: encoding properties: %w", id, err)
	}

	if err := os.Rename(tmpPath, s.payloadPath(id)); err != nil {
		return nil, 0, fmt.Errorf("source: store %s: placing payload: %w", id, err)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO records (id, properties, payload_size, hash, counter)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			properties = excluded.properties,
			payload_size = excluded.payload_size,
			hash = excluded.hash,
			counter = excluded.counter`,
		&sqlitex.ExecOptions{
			Args: []any{id.String(), encodedProperties, size, hash[:], int64(counter)},
		})
	if err != nil {
		return nil, 0, fmt.Errorf("source: store %s: writing record: %w", id, err)
	}

	record := &Record{
		ID:          id,
		Properties:  cloneProperties(properties),
		PayloadSize: size,
		Hash:        hash,
		Counter:     counter,
	}
	if existing != nil {
		record.Dependencies = existing.Dependencies
	}
	return record, kind, nil
}

// SetProperty sets one property, bumping the counter iff the content
// hash changes.
func (s *LocalStore) SetProperty(ctx context.Context, id resource.ID, key, value string) (*Record, error) {
	if key == "" {
		return nil, fmt.Errorf("source: set property on %s: empty key", id)
	}
	return s.mutateProperties(ctx, id, func(properties map[string]string) {
		properties[key] = value
	})
}

// UnsetProperty removes one property, bumping the counter iff the
// content hash changes.
func (s *LocalStore) UnsetProperty(ctx context.Context, id resource.ID, key string) (*Record, error) {
	if key == "" {
		return nil, fmt.Errorf("source: unset property on %s: empty key", id)
	}
	return s.mutateProperties(ctx, id, func(properties map[string]string) {
		delete(properties, key)
	})
}

// mutateProperties applies mutate to the record's property map and
// re-runs the content hash over the stored payload. Property changes
// reuse the store counter rule: hash moved, counter bumps.
func (s *LocalStore) mutateProperties(ctx context.Context, id resource.ID, mutate func(map[string]string)) (_ *Record, err error) {
	if id.IsNil() {
		return nil, fmt.Errorf("source: mutate: %w", resource.ErrNotFound)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("source: mutate %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	var record *Record
	changed := false
	err = func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("source: mutate %s: begin: %w", id, err)
		}
		defer endTransaction(&err)

		existing, err := readRecord(conn, id)
		if err != nil {
			return err
		}

		properties := cloneProperties(existing.Properties)
		mutate(properties)

		hash, err := s.hashStoredContent(properties, id)
		if err != nil {
			return err
		}
		if hash == existing.Hash {
			// The mutation was a no-op (same value set, or an absent
			// key unset): counter untouched, no event.
			record = existing
			return nil
		}

		encodedProperties, err := codec.Marshal(properties)
		if err != nil {
			return fmt.Errorf("source: mutate %s: encoding properties: %w", id, err)
		}
		counter := existing.Counter + 1
		err = sqlitex.Execute(conn, `
			UPDATE records SET properties = ?, hash = ?, counter = ? WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{encodedProperties, hash[:], int64(counter), id.String()},
			})
		if err != nil {
			return fmt.Errorf("source: mutate %s: writing record: %w", id, err)
		}

		record = &Record{
			ID:           id,
			Properties:   properties,
			PayloadSize:  existing.PayloadSize,
			Hash:         hash,
			Counter:      counter,
			Dependencies: existing.Dependencies,
		}
		changed = true
		return nil
	}()
	if err != nil {
		return nil, err
	}

	if changed {
		s.bus.Publish(change.Event{ID: id, Kind: change.Modified, Counter: record.Counter})
	}
	return record, nil
}

// hashStoredContent recomputes the canonical content hash of the
// given property map over the payload already on disk.
func (s *LocalStore) hashStoredContent(properties map[string]string, id resource.ID) (change.Hash, error) {
	hasher, err := change.NewContentHasher(properties)
	if err != nil {
		return change.Hash{}, fmt.Errorf("source: hashing %s: %w", id, err)
	}
	payload, err := os.Open(s.payloadPath(id))
	if err != nil {
		return change.Hash{}, fmt.Errorf("source: hashing %s: opening payload: %w", id, err)
	}
	defer payload.Close()
	if _, err := io.Copy(hasher, payload); err != nil {
		return change.Hash{}, fmt.Errorf("source: hashing %s: reading payload: %w", id, err)
	}
	return hasher.Sum(), nil
}

// SetDependencies replaces the dependency list. The counter does not
// move; a DependsChanged event is published.
func (s *LocalStore) SetDependencies(ctx context.Context, id resource.ID, deps []Dependency) (_ *Record, err error) {
	if id.IsNil() {
		return nil, fmt.Errorf("source: set dependencies: %w", resource.ErrNotFound)
	}
	for _, dep := range deps {
		if dep.ID.IsNil() {
			return nil, fmt.Errorf("source: set dependencies on %s: nil dependency id", id)
		}
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("source: set dependencies %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	var record *Record
	err = func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("source: set dependencies %s: begin: %w", id, err)
		}
		defer endTransaction(&err)

		existing, err := readRecord(conn, id)
		if err != nil {
			return err
		}

		err = sqlitex.Execute(conn, `DELETE FROM dependencies WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id.String()}})
		if err != nil {
			return fmt.Errorf("source: set dependencies %s: clearing: %w", id, err)
		}
		for position, dep := range deps {
			err = sqlitex.Execute(conn, `
				INSERT INTO dependencies (id, position, dep_id, dep_platform)
				VALUES (?, ?, ?, ?)`,
				&sqlitex.ExecOptions{
					Args: []any{id.String(), position, dep.ID.String(), int64(dep.Platform)},
				})
			if err != nil {
				return fmt.Errorf("source: set dependencies %s: writing edge: %w", id, err)
			}
		}

		existing.Dependencies = append([]Dependency(nil), deps...)
		record = existing
		return nil
	}()
	if err != nil {
		return nil, err
	}

	s.bus.Publish(change.Event{ID: id, Kind: change.DependsChanged, Counter: record.Counter})
	return record, nil
}

// Delete removes the record, its dependency edges, and its payload,
// leaving a tombstone with the record's final counter.
func (s *LocalStore) Delete(ctx context.Context, id resource.ID) (err error) {
	if id.IsNil() {
		return fmt.Errorf("source: delete: %w", resource.ErrNotFound)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("source: delete %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	err = func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("source: delete %s: begin: %w", id, err)
		}
		defer endTransaction(&err)

		existing, err := readRecord(conn, id)
		if err != nil {
			return err
		}
		err = sqlitex.Execute(conn, `DELETE FROM records WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id.String()}})
		if err != nil {
			return fmt.Errorf("source: delete %s: removing record: %w", id, err)
		}
		err = sqlitex.Execute(conn, `DELETE FROM dependencies WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id.String()}})
		if err != nil {
			return fmt.Errorf("source: delete %s: removing edges: %w", id, err)
		}
		// Keep the counter high-water mark so a re-created ID cannot
		// restart at 1 and revalidate artifacts compiled from the
		// deleted content.
		err = sqlitex.Execute(conn, `
			INSERT INTO tombstones (id, counter) VALUES (?, ?)
			ON CONFLICT (id) DO UPDATE SET counter = excluded.counter`,
			&sqlitex.ExecOptions{
				Args: []any{id.String(), int64(existing.Counter)},
			})
		if err != nil {
			return fmt.Errorf("source: delete %s: writing tombstone: %w", id, err)
		}
		return nil
	}()
	if err != nil {
		return err
	}

	if err := os.Remove(s.payloadPath(id)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("payload removal failed", "id", id.String(), "error", err)
	}

	s.bus.Publish(change.Event{ID: id, Kind: change.Removed})
	s.logger.Debug("source deleted", "id", id.String())
	return nil
}

// Counter returns the live change counter.
func (s *LocalStore) Counter(ctx context.Context, id resource.ID) (change.Counter, error) {
	if id.IsNil() {
		return 0, fmt.Errorf("source: counter: %w", resource.ErrNotFound)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("source: counter %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	var counter change.Counter
	found := false
	err = sqlitex.Execute(conn, `SELECT counter FROM records WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counter = change.Counter(stmt.ColumnInt64(0))
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("source: counter %s: %w", id, err)
	}
	if !found {
		return 0, fmt.Errorf("source: counter %s: %w", id, resource.ErrNotFound)
	}
	return counter, nil
}

// ReverseDependencies returns the IDs that list id as a dependency,
// in stable (sorted) order.
func (s *LocalStore) ReverseDependencies(ctx context.Context, id resource.ID) ([]resource.ID, error) {
	if id.IsNil() {
		return nil, fmt.Errorf("source: reverse dependencies: %w", resource.ErrNotFound)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("source: reverse dependencies %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	var dependents []resource.ID
	err = sqlitex.Execute(conn, `
		SELECT DISTINCT id FROM dependencies WHERE dep_id = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				dependent, err := resource.ParseID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				dependents = append(dependents, dependent)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("source: reverse dependencies %s: %w", id, err)
	}
	return dependents, nil
}

// payloadPath shards payload files on the first two hex digits of the
// identifier, keeping directory fanout flat for large stores.
func (s *LocalStore) payloadPath(id resource.ID) string {
	name := id.String()
	return filepath.Join(s.root, "payload", name[:2], name)
}

// takeTombstone returns the counter a deleted record reached (0 when
// the ID was never deleted) and clears the row. Runs inside the
// caller's transaction.
func takeTombstone(conn *sqlite.Conn, id resource.ID) (change.Counter, error) {
	var last change.Counter
	err := sqlitex.Execute(conn, `SELECT counter FROM tombstones WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				last = change.Counter(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("reading tombstone: %w", err)
	}
	if last == 0 {
		return 0, nil
	}
	err = sqlitex.Execute(conn, `DELETE FROM tombstones WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id.String()}})
	if err != nil {
		return 0, fmt.Errorf("clearing tombstone: %w", err)
	}
	return last, nil
}

// readRecord loads one record with its dependency list. Callers
// outside a transaction get a consistent snapshot anyway: the two
// reads run on one connection and WAL readers are stable.
func readRecord(conn *sqlite.Conn, id resource.ID) (*Record, error) {
	var record *Record
	err := sqlitex.Execute(conn, `
		SELECT properties, payload_size, hash, counter FROM records WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				encodedProperties := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, encodedProperties)

				properties := map[string]string{}
				if err := codec.Unmarshal(encodedProperties, &properties); err != nil {
					return fmt.Errorf("decoding properties: %w", err)
				}

				var hash change.Hash
				if stmt.ColumnLen(2) != len(hash) {
					return fmt.Errorf("stored hash is %d bytes, want %d", stmt.ColumnLen(2), len(hash))
				}
				stmt.ColumnBytes(2, hash[:])

				record = &Record{
					ID:          id,
					Properties:  properties,
					PayloadSize: stmt.ColumnInt64(1),
					Hash:        hash,
					Counter:     change.Counter(stmt.ColumnInt64(3)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("source: reading record %s: %w", id, err)
	}
	if record == nil {
		return nil, fmt.Errorf("source: record %s: %w", id, resource.ErrNotFound)
	}

	err = sqlitex.Execute(conn, `
		SELECT dep_id, dep_platform FROM dependencies WHERE id = ? ORDER BY position`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				depID, err := resource.ParseID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				record.Dependencies = append(record.Dependencies, Dependency{
					ID:       depID,
					Platform: platform.Tag(stmt.ColumnInt64(1)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("source: reading dependencies %s: %w", id, err)
	}
	return record, nil
}

func cloneProperties(properties map[string]string) map[string]string {
	clone := make(map[string]string, len(properties))
	for key, value := range properties {
		clone[key] = value
	}
	return clone
}
