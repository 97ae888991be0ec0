// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package compile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/event"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
)

// InvalidationCache is the slice of the local cache the invalidator
// drives: per-ID removal across platforms and compiler versions.
// *compiled.LocalCache satisfies it.
type InvalidationCache interface {
	DeleteID(ctx context.Context, id resource.ID) (int, error)
}

// InvalidatorConfig wires an Invalidator.
type InvalidatorConfig struct {
	// Source is the backend whose mutation events drive invalidation
	// and whose reverse-dependency index is walked. Required.
	Source source.Backend

	// Cache is the local artifact cache to invalidate. Required.
	Cache InvalidationCache

	// Logger receives operational messages. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Invalidator reacts to source mutations by removing cached artifacts
// whose inputs changed. Counters already catch a resource's own
// staleness; the invalidator covers the dependents — a modified source
// is an input to everything that depends on it, transitively, and
// those artifacts carry counters that never moved.
//
// Kinds handled: Modified and Removed invalidate the transitive
// reverse dependencies (Removed also drops the resource's own
// artifacts, now orphaned); DependsChanged drops the resource's own
// artifacts, since its derivation changed.
type Invalidator struct {
	source source.Backend
	cache  InvalidationCache
	logger *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// NewInvalidator validates the config and builds an invalidator.
func NewInvalidator(cfg InvalidatorConfig) (*Invalidator, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("compile: invalidator Source is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("compile: invalidator Cache is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{
		source: cfg.Source,
		cache:  cfg.Cache,
		logger: logger,
		ready:  make(chan struct{}),
	}, nil
}

// Ready is closed once Run has subscribed to the source bus. Events
// published before that are not observed.
func (inv *Invalidator) Ready() <-chan struct{} {
	return inv.ready
}

// Run subscribes to the source bus and processes events until ctx ends
// or the bus closes. Run returns nil on either; callers start it in a
// goroutine alongside the pipeline.
func (inv *Invalidator) Run(ctx context.Context) error {
	sub := inv.source.Events().Subscribe(event.SubscribeOptions{
		Kinds: change.MaskOf(change.Modified, change.Removed, change.DependsChanged),
	})
	defer sub.Close()
	inv.readyOnce.Do(func() { close(inv.ready) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			inv.handle(ctx, ev)
		}
	}
}

func (inv *Invalidator) handle(ctx context.Context, ev change.Event) {
	switch ev.Kind {
	case change.Modified:
		inv.invalidateDependents(ctx, ev.ID)
	case change.Removed:
		inv.drop(ctx, ev.ID)
		inv.invalidateDependents(ctx, ev.ID)
	case change.DependsChanged:
		inv.drop(ctx, ev.ID)
	case change.Resync:
		// The bus dropped events; which sources changed is unknowable
		// now. Counters still protect every direct read, but some
		// dependent artifacts may keep serving until their own source
		// moves.
		inv.logger.Warn("source event stream resynced, dependent invalidation may be incomplete")
	}
}

// invalidateDependents walks the reverse-dependency graph from id and
// drops every dependent's cached artifacts. The walk is breadth-first
// and cycle-guarded; id itself is not dropped (its own staleness is
// counter-handled).
func (inv *Invalidator) invalidateDependents(ctx context.Context, id resource.ID) {
	seen := map[resource.ID]bool{id: true}
	frontier := []resource.ID{id}

	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]

		dependents, err := inv.source.ReverseDependencies(ctx, next)
		if err != nil {
			inv.logger.Warn("reverse dependency lookup failed", "id", next.String(), "error", err)
			continue
		}
		for _, dependent := range dependents {
			if seen[dependent] {
				continue
			}
			seen[dependent] = true
			frontier = append(frontier, dependent)
			inv.drop(ctx, dependent)
		}
	}
}

func (inv *Invalidator) drop(ctx context.Context, id resource.ID) {
	removed, err := inv.cache.DeleteID(ctx, id)
	if err != nil {
		inv.logger.Warn("invalidating artifacts failed", "id", id.String(), "error", err)
		return
	}
	if removed > 0 {
		inv.logger.Debug("invalidated artifacts", "id", id.String(), "count", removed)
	}
}
