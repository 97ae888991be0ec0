// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package compiled

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/clock"
	"github.com/quarry-build/quarry/lib/event"
	"github.com/quarry-build/quarry/lib/platform"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/sqlitepool"
	"github.com/quarry-build/quarry/lib/stream"
)

// cacheSchema is the artifact index. stored_size is the on-disk blob
// length (header + compressed payload) and drives capacity accounting;
// size is the uncompressed payload length reported to callers.
// last_access is a process-monotonic sequence, not wall clock.
const cacheSchema = `
CREATE TABLE IF NOT EXISTS artifacts (
	key            TEXT PRIMARY KEY,
	id             TEXT NOT NULL,
	platform       INTEGER NOT NULL,
	version        INTEGER NOT NULL,
	source_counter INTEGER NOT NULL,
	source_hash    BLOB NOT NULL,
	size           INTEGER NOT NULL,
	stored_size    INTEGER NOT NULL,
	compression    INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	last_access    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS artifacts_lru ON artifacts (last_access);
CREATE INDEX IF NOT EXISTS artifacts_by_id ON artifacts (id);
`

// evictBatch bounds how many entries one eviction transaction removes.
const evictBatch = 32

// LocalCacheConfig holds the parameters for opening a local artifact
// cache.
type LocalCacheConfig struct {
	// Root is the cache directory. Created if absent. Holds
	// compiled.db and the sharded artifact tree.
	Root string

	// Capacity is the target on-disk size in bytes. When the total
	// blob size exceeds it, least-recently-used artifacts are evicted
	// until usage drops below the high-water mark (9/10 of Capacity).
	// Zero or negative disables eviction.
	Capacity int64

	// PoolSize is the SQLite connection pool size. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Clock stamps CreatedAt on stored records. Defaults to
	// clock.Real().
	Clock clock.Clock
}

// LocalCache is the disk-backed artifact Cache. Index rows live in
// SQLite; blobs live in a two-level sharded file tree, each written
// atomically (temp file + rename) with a self-describing 16-byte
// header. Eviction is LRU over a monotonic access sequence. Eviction
// unlinks blob files but never invalidates streams already handed out:
// an open descriptor keeps reading the unlinked file.
type LocalCache struct {
	root     string
	capacity int64
	pool     *sqlitepool.Pool
	bus      *event.Bus
	logger   *slog.Logger
	clock    clock.Clock

	// accessSeq is the LRU clock. Every Get and Put stamps the entry
	// with the next value.
	accessSeq atomic.Int64

	// usage tracks total stored bytes. Maintained incrementally;
	// rebuilt from the index at open.
	usage atomic.Int64

	// evictMu allows one evictor at a time. Puts stay cheap; the
	// loser of a concurrent trigger finds usage already reduced.
	evictMu sync.Mutex
}

var _ Cache = (*LocalCache)(nil)

// OpenLocal opens (or creates) a local artifact cache rooted at
// cfg.Root.
func OpenLocal(cfg LocalCacheConfig) (*LocalCache, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("compiled: Root is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("cache", cfg.Root)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	if err := os.MkdirAll(filepath.Join(cfg.Root, "artifact"), 0o755); err != nil {
		return nil, fmt.Errorf("compiled: creating cache directories: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(cfg.Root, "compiled.db"),
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, cacheSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("compiled: %w", err)
	}

	c := &LocalCache{
		root:     cfg.Root,
		capacity: cfg.Capacity,
		pool:     pool,
		bus:      event.NewBus(),
		logger:   logger,
		clock:    clk,
	}

	if err := c.loadUsage(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

// loadUsage rebuilds the usage counter and access sequence from the
// index.
func (c *LocalCache) loadUsage(ctx context.Context) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("compiled: open: %w", err)
	}
	defer c.pool.Put(conn)

	var entries, bytes, lastAccess int64
	err = sqlitex.Execute(conn, `
		SELECT COUNT(*), COALESCE(SUM(stored_size), 0), COALESCE(MAX(last_access), 0)
		FROM artifacts`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = stmt.ColumnInt64(0)
				bytes = stmt.ColumnInt64(1)
				lastAccess = stmt.ColumnInt64(2)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("compiled: open: reading usage: %w", err)
	}

	c.usage.Store(bytes)
	c.accessSeq.Store(lastAccess)
	if entries > 0 {
		c.logger.Debug("cache opened", "entries", entries, "bytes", bytes)
	}
	return nil
}

// Close ends all event subscriptions and closes the index pool.
func (c *LocalCache) Close() error {
	c.bus.Close()
	return c.pool.Close()
}

// Events returns the cache's bus: Compiled on Put, Removed on Delete
// and eviction.
func (c *LocalCache) Events() *event.Bus {
	return c.bus
}

// Root returns the cache directory.
func (c *LocalCache) Root() string {
	return c.root
}

// indexRow mirrors one artifacts table row.
type indexRow struct {
	record     Record
	storedSize int64
}

// Get returns the record and decompressed payload for key. See
// Cache.Get for the staleness contract.
func (c *LocalCache) Get(ctx context.Context, key resource.Key, wantCounter change.Counter) (*Record, stream.Stream, error) {
	if err := key.Validate(); err != nil {
		return nil, nil, fmt.Errorf("compiled: get: %w", err)
	}

	row, err := c.readRow(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	if wantCounter != 0 && row.record.SourceCounter != wantCounter {
		return nil, nil, fmt.Errorf("compiled: artifact %s was compiled at counter %d, want %d: %w",
			key, row.record.SourceCounter, wantCounter, resource.ErrStale)
	}

	if err := c.touch(ctx, key); err != nil {
		c.logger.Warn("cache access touch failed", "key", key.String(), "error", err)
	}

	payload, err := c.openPayload(key, &row.record)
	if err != nil {
		// The index points at a blob that is gone or damaged. Drop
		// the entry so the next request recompiles instead of
		// tripping over it again.
		if removeErr := c.removeEntry(ctx, key); removeErr != nil && !errors.Is(removeErr, resource.ErrNotFound) {
			c.logger.Warn("dropping damaged cache entry failed", "key", key.String(), "error", removeErr)
		}
		return nil, nil, fmt.Errorf("compiled: get %s: %w: %w", key, err, resource.ErrNotFound)
	}

	record := row.record
	return &record, payload, nil
}

// openPayload opens the blob, verifies the header against the index
// row, and returns the decompressed payload stream. Uncompressed blobs
// stream straight from the descriptor; compressed blobs are inflated
// in memory.
func (c *LocalCache) openPayload(key resource.Key, rec *Record) (stream.Stream, error) {
	file, err := os.Open(c.artifactPath(key))
	if err != nil {
		return nil, fmt.Errorf("opening blob: %w", err)
	}

	var headerBytes [HeaderSize]byte
	if _, err := io.ReadFull(file, headerBytes[:]); err != nil {
		file.Close()
		return nil, fmt.Errorf("reading blob header: %w", err)
	}
	header, err := ParseHeader(headerBytes[:])
	if err != nil {
		file.Close()
		return nil, err
	}
	if header.CompilerVersion != key.Version ||
		header.SourceCounterLow != uint32(rec.SourceCounter) ||
		header.Compression() != rec.Compression {
		file.Close()
		return nil, fmt.Errorf("blob header disagrees with index: version %d counter %d compression %s",
			header.CompilerVersion, header.SourceCounterLow, header.Compression())
	}

	if rec.Compression == CompressionNone {
		return stream.FromReader(file, rec.Size), nil
	}

	compressed, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	data, err := Decompress(compressed, rec.Compression, int(rec.Size))
	if err != nil {
		return nil, err
	}
	return stream.FromBytes(data), nil
}

// Put stores an artifact. See Cache.Put.
func (c *LocalCache) Put(ctx context.Context, rec *Record, payload stream.Stream) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	data, err := stream.ReadAll(payload)
	if err != nil {
		return fmt.Errorf("compiled: put %s: %w", rec.Key, err)
	}
	if rec.Size != 0 && rec.Size != int64(len(data)) {
		return fmt.Errorf("compiled: put %s: record size %d, payload %d bytes",
			rec.Key, rec.Size, len(data))
	}
	rec.Size = int64(len(data))

	stored, tag, err := CompressAuto(data)
	if err != nil {
		return fmt.Errorf("compiled: put %s: %w", rec.Key, err)
	}
	rec.Compression = tag
	if rec.CreatedAt == 0 {
		rec.CreatedAt = c.clock.Now().Unix()
	}

	finalPath := c.artifactPath(rec.Key)
	shardDir := filepath.Dir(finalPath)
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return fmt.Errorf("compiled: put %s: %w", rec.Key, err)
	}
	tmpFile, err := os.CreateTemp(shardDir, "artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("compiled: put %s: %w", rec.Key, err)
	}
	tmpPath := tmpFile.Name()
	// After the rename lands this is a no-op; until then it cleans up
	// every early return.
	defer os.Remove(tmpPath)

	header := rec.Header().Encode()
	if _, err := tmpFile.Write(header[:]); err != nil {
		tmpFile.Close()
		return fmt.Errorf("compiled: put %s: writing header: %w", rec.Key, err)
	}
	if _, err := tmpFile.Write(stored); err != nil {
		tmpFile.Close()
		return fmt.Errorf("compiled: put %s: writing blob: %w", rec.Key, err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("compiled: put %s: syncing blob: %w", rec.Key, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("compiled: put %s: closing blob: %w", rec.Key, err)
	}
	storedSize := int64(HeaderSize + len(stored))

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("compiled: put %s: %w", rec.Key, err)
	}
	previousSize, err := c.putTx(conn, rec, tmpPath, storedSize)
	c.pool.Put(conn)
	if err != nil {
		return err
	}

	c.usage.Add(storedSize - previousSize)
	c.bus.Publish(change.Event{
		ID:       rec.Key.ID,
		Kind:     change.Compiled,
		Counter:  rec.SourceCounter,
		Platform: rec.Key.Platform,
	})
	c.logger.Debug("artifact stored",
		"key", rec.Key.String(),
		"counter", uint64(rec.SourceCounter),
		"size", rec.Size,
		"stored", storedSize,
		"compression", rec.Compression.String(),
	)

	c.maybeEvict(ctx)
	return nil
}

// putTx renames the spooled blob into place and upserts the index row
// in one IMMEDIATE transaction. Returns the stored size of the row it
// replaced, zero if the key was new.
func (c *LocalCache) putTx(conn *sqlite.Conn, rec *Record, tmpPath string, storedSize int64) (_ int64, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("compiled: put %s: begin: %w", rec.Key, err)
	}
	defer endTransaction(&err)

	var previousSize int64
	err = sqlitex.Execute(conn, `SELECT stored_size FROM artifacts WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{rec.Key.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				previousSize = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("compiled: put %s: reading previous entry: %w", rec.Key, err)
	}

	if err := os.Rename(tmpPath, c.artifactPath(rec.Key)); err != nil {
		return 0, fmt.Errorf("compiled: put %s: placing blob: %w", rec.Key, err)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO artifacts
			(key, id, platform, version, source_counter, source_hash,
			 size, stored_size, compression, created_at, last_access)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			source_counter = excluded.source_counter,
			source_hash = excluded.source_hash,
			size = excluded.size,
			stored_size = excluded.stored_size,
			compression = excluded.compression,
			created_at = excluded.created_at,
			last_access = excluded.last_access`,
		&sqlitex.ExecOptions{
			Args: []any{
				rec.Key.String(),
				rec.Key.ID.String(),
				int64(uint32(rec.Key.Platform)),
				int64(rec.Key.Version),
				int64(rec.SourceCounter),
				rec.SourceHash[:],
				rec.Size,
				storedSize,
				int64(rec.Compression),
				rec.CreatedAt,
				c.accessSeq.Add(1),
			},
		})
	if err != nil {
		return 0, fmt.Errorf("compiled: put %s: writing index: %w", rec.Key, err)
	}
	return previousSize, nil
}

// Delete removes the artifact for key. See Cache.Delete.
func (c *LocalCache) Delete(ctx context.Context, key resource.Key) error {
	if err := c.removeEntry(ctx, key); err != nil {
		return err
	}
	c.bus.Publish(change.Event{
		ID:       key.ID,
		Kind:     change.Removed,
		Platform: key.Platform,
	})
	return nil
}

// removeEntry drops the index row and blob without publishing; shared
// by Delete and the damaged-entry path in Get.
func (c *LocalCache) removeEntry(ctx context.Context, key resource.Key) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("compiled: delete %s: %w", key, err)
	}
	defer c.pool.Put(conn)

	storedSize, err := c.deleteTx(conn, key)
	if err != nil {
		return err
	}
	c.usage.Add(-storedSize)

	if err := os.Remove(c.artifactPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("removing artifact blob failed", "key", key.String(), "error", err)
	}
	return nil
}

func (c *LocalCache) deleteTx(conn *sqlite.Conn, key resource.Key) (_ int64, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("compiled: delete %s: begin: %w", key, err)
	}
	defer endTransaction(&err)

	found := false
	var storedSize int64
	err = sqlitex.Execute(conn, `SELECT stored_size FROM artifacts WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				storedSize = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("compiled: delete %s: %w", key, err)
	}
	if !found {
		return 0, fmt.Errorf("compiled: delete %s: %w", key, resource.ErrNotFound)
	}

	err = sqlitex.Execute(conn, `DELETE FROM artifacts WHERE key = ?`,
		&sqlitex.ExecOptions{Args: []any{key.String()}})
	if err != nil {
		return 0, fmt.Errorf("compiled: delete %s: %w", key, err)
	}
	return storedSize, nil
}

// DeleteID removes every cached artifact for a source ID, across all
// platforms and compiler versions. Returns the number of entries
// removed. Reverse-dependency invalidation uses this when a source
// changes.
func (c *LocalCache) DeleteID(ctx context.Context, id resource.ID) (int, error) {
	if id.IsNil() {
		return 0, nil
	}

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("compiled: delete id %s: %w", id, err)
	}

	type removed struct {
		key        resource.Key
		keyString  string
		storedSize int64
	}
	var entries []removed

	err = func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("compiled: delete id %s: begin: %w", id, err)
		}
		defer endTransaction(&err)

		err = sqlitex.Execute(conn, `
			SELECT key, platform, version, stored_size FROM artifacts WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					entries = append(entries, removed{
						key: resource.Key{
							ID:       id,
							Platform: platform.Tag(stmt.ColumnInt64(1)),
							Version:  uint32(stmt.ColumnInt64(2)),
						},
						keyString:  stmt.ColumnText(0),
						storedSize: stmt.ColumnInt64(3),
					})
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("compiled: delete id %s: %w", id, err)
		}
		if len(entries) == 0 {
			return nil
		}
		return sqlitex.Execute(conn, `DELETE FROM artifacts WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id.String()}})
	}()
	c.pool.Put(conn)
	if err != nil {
		return 0, err
	}

	for _, entry := range entries {
		c.usage.Add(-entry.storedSize)
		if err := os.Remove(filepath.Join(c.root, "artifact", entry.keyString[:2], entry.keyString)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("removing artifact blob failed", "key", entry.keyString, "error", err)
		}
		c.bus.Publish(change.Event{
			ID:       entry.key.ID,
			Kind:     change.Removed,
			Platform: entry.key.Platform,
		})
	}
	return len(entries), nil
}

// Contains reports whether an artifact for key is present.
func (c *LocalCache) Contains(ctx context.Context, key resource.Key) bool {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return false
	}
	defer c.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn, `SELECT 1 FROM artifacts WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	return err == nil && found
}

// Stats reports cache utilization.
type Stats struct {
	Entries  int64
	Bytes    int64
	Capacity int64
}

// Stats returns current utilization. Entries is read from the index;
// Bytes is the incrementally maintained usage counter.
func (c *LocalCache) Stats(ctx context.Context) (Stats, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("compiled: stats: %w", err)
	}
	defer c.pool.Put(conn)

	var entries int64
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM artifacts`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return Stats{}, fmt.Errorf("compiled: stats: %w", err)
	}
	return Stats{Entries: entries, Bytes: c.usage.Load(), Capacity: c.capacity}, nil
}

// readRow loads one index row.
func (c *LocalCache) readRow(ctx context.Context, key resource.Key) (*indexRow, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("compiled: get %s: %w", key, err)
	}
	defer c.pool.Put(conn)

	var row *indexRow
	err = sqlitex.Execute(conn, `
		SELECT source_counter, source_hash, size, stored_size, compression, created_at
		FROM artifacts WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				hashBytes := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, hashBytes)
				var hash change.Hash
				if len(hashBytes) != len(hash) {
					return fmt.Errorf("source hash is %d bytes, want %d", len(hashBytes), len(hash))
				}
				copy(hash[:], hashBytes)

				row = &indexRow{
					record: Record{
						Key:           key,
						SourceCounter: change.Counter(stmt.ColumnInt64(0)),
						SourceHash:    hash,
						Size:          stmt.ColumnInt64(2),
						Compression:   CompressionTag(stmt.ColumnInt64(4)),
						CreatedAt:     stmt.ColumnInt64(5),
					},
					storedSize: stmt.ColumnInt64(3),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("compiled: get %s: %w", key, err)
	}
	if row == nil {
		return nil, fmt.Errorf("compiled: get %s: %w", key, resource.ErrNotFound)
	}
	return row, nil
}

// touch stamps the entry with the next access sequence value.
func (c *LocalCache) touch(ctx context.Context, key resource.Key) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	return sqlitex.Execute(conn, `UPDATE artifacts SET last_access = ? WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{c.accessSeq.Add(1), key.String()},
		})
}

// maybeEvict brings usage back under the high-water mark when capacity
// is exceeded. One evictor runs at a time; entries leave in LRU order.
// The batch SELECT and the DELETEs share a transaction, so an entry
// touched after the snapshot can still be evicted with its pre-touch
// position — an acceptable LRU approximation.
func (c *LocalCache) maybeEvict(ctx context.Context) {
	if c.capacity <= 0 || c.usage.Load() <= c.capacity {
		return
	}

	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	highWater := c.capacity / 10 * 9
	for c.usage.Load() > highWater {
		evicted, err := c.evictBatch(ctx, highWater)
		if err != nil {
			c.logger.Warn("cache eviction failed", "error", err)
			return
		}
		if evicted == 0 {
			return
		}
	}
}

// evictBatch removes up to evictBatch LRU entries inside one
// transaction, stopping early once usage projects under the target.
// Returns how many entries it removed.
func (c *LocalCache) evictBatch(ctx context.Context, target int64) (int, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, err
	}

	type victim struct {
		keyString  string
		id         resource.ID
		platform   platform.Tag
		storedSize int64
	}
	var victims []victim

	err = func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer endTransaction(&err)

		projected := c.usage.Load()
		err = sqlitex.Execute(conn, `
			SELECT key, id, platform, stored_size FROM artifacts
			ORDER BY last_access ASC LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{evictBatch},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					if projected <= target {
						return nil
					}
					id, err := resource.ParseID(stmt.ColumnText(1))
					if err != nil {
						return fmt.Errorf("index row has bad id %q: %w", stmt.ColumnText(1), err)
					}
					victims = append(victims, victim{
						keyString:  stmt.ColumnText(0),
						id:         id,
						platform:   platform.Tag(stmt.ColumnInt64(2)),
						storedSize: stmt.ColumnInt64(3),
					})
					projected -= stmt.ColumnInt64(3)
					return nil
				},
			})
		if err != nil {
			return err
		}

		for _, v := range victims {
			err = sqlitex.Execute(conn, `DELETE FROM artifacts WHERE key = ?`,
				&sqlitex.ExecOptions{Args: []any{v.keyString}})
			if err != nil {
				return fmt.Errorf("deleting %s: %w", v.keyString, err)
			}
		}
		return nil
	}()
	c.pool.Put(conn)
	if err != nil {
		return 0, err
	}

	for _, v := range victims {
		c.usage.Add(-v.storedSize)
		if err := os.Remove(filepath.Join(c.root, "artifact", v.keyString[:2], v.keyString)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("removing evicted blob failed", "key", v.keyString, "error", err)
		}
		c.bus.Publish(change.Event{
			ID:       v.id,
			Kind:     change.Removed,
			Platform: v.platform,
		})
	}
	if len(victims) > 0 {
		c.logger.Debug("evicted artifacts", "count", len(victims), "bytes", c.usage.Load())
	}
	return len(victims), nil
}

// artifactPath returns the sharded blob path for a key. The key string
// leads with the source UUID, so the first two hex digits shard evenly.
func (c *LocalCache) artifactPath(key resource.Key) string {
	name := key.String()
	return filepath.Join(c.root, "artifact", name[:2], name)
}
