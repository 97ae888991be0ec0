// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/compiled"
	"github.com/quarry-build/quarry/lib/event"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/stream"
	"github.com/quarry-build/quarry/lib/wire"
)

// CacheConfig configures a remote Cache.
type CacheConfig struct {
	// Client dials the compiled daemon. Required.
	Client *wire.Client

	// Logger receives subscription pump messages. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Cache is a compiled.Cache served by a remote compiled daemon.
// Artifacts ride inside wire frames, so a single payload is bounded
// by wire.MaxFrame.
type Cache struct {
	client *wire.Client
	logger *slog.Logger

	bus      *event.Bus
	pumpOnce sync.Once
	stopPump context.CancelFunc
}

var _ compiled.Cache = (*Cache)(nil)

// NewCache builds a Cache over client.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("remote: cache Client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		client: cfg.Client,
		logger: logger.With("remote", cfg.Client.Address()),
		bus:    event.NewBus(),
	}, nil
}

// Get returns the record and decompressed payload for key, applying
// the same counter staleness rule as a local cache: a nonzero
// wantCounter that disagrees with the stored artifact answers
// resource.ErrStale.
func (c *Cache) Get(ctx context.Context, key resource.Key, wantCounter change.Counter) (*compiled.Record, stream.Stream, error) {
	req := wire.GetCompiledRequest{Key: key, WantCounter: wantCounter}
	var resp wire.CompiledResponse
	if err := c.client.Call(ctx, wire.OpGetCompiled, req, &resp); err != nil {
		return nil, nil, fmt.Errorf("remote: get %s: %w", key, err)
	}
	rec := resp.Record
	return &rec, stream.FromBytes(resp.Payload), nil
}

// Put stores an artifact on the daemon. The remote cache picks its own
// at-rest compression; rec is not echoed back.
func (c *Cache) Put(ctx context.Context, rec *compiled.Record, payload stream.Stream) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("remote: put: %w", err)
	}
	data, err := stream.ReadAll(payload)
	if err != nil {
		return fmt.Errorf("remote: put %s: %w", rec.Key, err)
	}
	req := wire.PutCompiledRequest{Record: *rec, Payload: data}
	if err := c.client.Call(ctx, wire.OpPutCompiled, req, nil); err != nil {
		return fmt.Errorf("remote: put %s: %w", rec.Key, err)
	}
	return nil
}

// Delete reports that remote entries cannot be deleted: eviction is
// the serving daemon's policy and the protocol deliberately has no
// remote delete.
func (c *Cache) Delete(ctx context.Context, key resource.Key) error {
	return fmt.Errorf("remote: delete %s: remote caches evict server-side", key)
}

// Contains reports whether the daemon holds an artifact for key at
// any counter. The protocol has no presence probe, so this fetches
// and discards; treat it as an inspection helper, not a hot path.
func (c *Cache) Contains(ctx context.Context, key resource.Key) bool {
	_, st, err := c.Get(ctx, key, 0)
	if err != nil {
		return false
	}
	st.Close()
	return true
}

// Events returns the daemon's artifact bus, mirrored locally:
// Compiled on stores, Removed on deletes and evictions. The first
// call opens the push subscription; it stays open across daemon
// restarts, delivering a Resync after every gap.
func (c *Cache) Events() *event.Bus {
	c.pumpOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.stopPump = cancel
		ch := c.client.Subscribe(ctx, wire.SubscribeRequest{})
		go pump(ch, c.bus, c.logger)
	})
	return c.bus
}

// Close stops the event pump and ends open subscriptions. It does not
// touch the daemon.
func (c *Cache) Close() error {
	c.pumpOnce.Do(func() {})
	if c.stopPump != nil {
		c.stopPump()
	}
	c.bus.Close()
	return nil
}
