// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// defaultPoolSize is the connection count when Config.PoolSize is not
// set. SQLite serializes writes regardless of pool size, so extra
// connections only buy concurrent readers; four covers the stores'
// read traffic.
const defaultPoolSize = 4

// connPragmas run on every connection before OnConnect. WAL keeps
// readers from blocking the writer, NORMAL sync is durable enough
// under WAL, and the busy timeout turns lock contention into a
// bounded wait instead of an immediate SQLITE_BUSY.
var connPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA cache_size=-8192",
	"PRAGMA mmap_size=268435456",
	"PRAGMA temp_store=MEMORY",
}

// Config holds the parameters for opening a pool.
type Config struct {
	// Path is the database file, created on first open. The parent
	// directory must exist. Required.
	Path string

	// PoolSize is the connection count. Zero or negative means 4.
	PoolSize int

	// Logger receives open/close messages. Nil discards them.
	Logger *slog.Logger

	// OnConnect runs once per connection after the standard pragmas,
	// typically to apply a schema. An error discards the connection
	// and surfaces from Take.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size SQLite connection pool with the standard
// pragma set applied to every connection. The pool is safe for
// concurrent use; each borrowed connection belongs to one goroutine
// between Take and Put.
type Pool struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

// Open opens the database at cfg.Path and builds its pool.
// Connections initialize lazily on first Take, so pragma and
// OnConnect failures surface there rather than here. Callers own the
// returned pool and must Close it.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range connPragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
				}
			}
			if cfg.OnConnect == nil {
				return nil
			}
			if err := cfg.OnConnect(conn); err != nil {
				return fmt.Errorf("sqlitepool: preparing connection: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	logger.Debug("database opened", "path", cfg.Path, "connections", size)
	return &Pool{pool: pool, path: cfg.Path, logger: logger}, nil
}

// Take borrows a connection, blocking until one is free or ctx ends.
// Pair every Take with a Put, usually deferred.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take from %s: %w", p.path, err)
	}
	return conn, nil
}

// Put returns a borrowed connection. The caller must not touch it
// afterwards. A nil conn is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.pool.Put(conn)
}

// Close waits for borrowed connections to come back, then closes them
// all. Take fails after Close.
func (p *Pool) Close() error {
	if err := p.pool.Close(); err != nil {
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Debug("database closed", "path", p.path)
	return nil
}
