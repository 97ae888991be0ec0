// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/event"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
	"github.com/quarry-build/quarry/lib/stream"
	"github.com/quarry-build/quarry/lib/wire"
)

// SourceConfig configures a remote Source.
type SourceConfig struct {
	// Client dials the sourced daemon. Required.
	Client *wire.Client

	// Logger receives subscription pump messages. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Source is a source.Backend served by a remote sourced daemon.
// Payloads ride inside wire frames, so a single payload stored or
// fetched through a Source is bounded by wire.MaxFrame.
type Source struct {
	client *wire.Client
	logger *slog.Logger

	bus      *event.Bus
	pumpOnce sync.Once
	stopPump context.CancelFunc
}

var _ source.Backend = (*Source)(nil)

// NewSource builds a Source over client.
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("remote: source Client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		client: cfg.Client,
		logger: logger.With("remote", cfg.Client.Address()),
		bus:    event.NewBus(),
	}, nil
}

// Fetch returns the record and payload for id.
func (s *Source) Fetch(ctx context.Context, id resource.ID) (*source.Record, stream.Stream, error) {
	var resp wire.SourceResponse
	if err := s.client.Call(ctx, wire.OpFetchSource, wire.IDRequest{ID: id}, &resp); err != nil {
		return nil, nil, fmt.Errorf("remote: fetch %s: %w", id, err)
	}
	rec := resp.Record
	return &rec, stream.FromBytes(resp.Payload), nil
}

// FetchRecord returns the record only.
func (s *Source) FetchRecord(ctx context.Context, id resource.ID) (*source.Record, error) {
	var resp wire.RecordResponse
	if err := s.client.Call(ctx, wire.OpFetchRecord, wire.IDRequest{ID: id}, &resp); err != nil {
		return nil, fmt.Errorf("remote: fetch record %s: %w", id, err)
	}
	rec := resp.Record
	return &rec, nil
}

// Store writes a source representation. The daemon applies the same
// idempotence rule as a local store: unchanged content returns the
// stored record without moving the counter.
func (s *Source) Store(ctx context.Context, id resource.ID, properties map[string]string, payload stream.Stream) (*source.Record, error) {
	data, err := stream.ReadAll(payload)
	if err != nil {
		return nil, fmt.Errorf("remote: store %s: %w", id, err)
	}
	req := wire.StoreSourceRequest{ID: id, Properties: properties, Payload: data}
	var resp wire.RecordResponse
	if err := s.client.Call(ctx, wire.OpStoreSource, req, &resp); err != nil {
		return nil, fmt.Errorf("remote: store %s: %w", id, err)
	}
	rec := resp.Record
	return &rec, nil
}

// SetProperty sets one property.
func (s *Source) SetProperty(ctx context.Context, id resource.ID, key, value string) (*source.Record, error) {
	req := wire.SetPropertyRequest{ID: id, Key: key, Value: value}
	var resp wire.RecordResponse
	if err := s.client.Call(ctx, wire.OpSetProperty, req, &resp); err != nil {
		return nil, fmt.Errorf("remote: set %s on %s: %w", key, id, err)
	}
	rec := resp.Record
	return &rec, nil
}

// UnsetProperty removes one property.
func (s *Source) UnsetProperty(ctx context.Context, id resource.ID, key string) (*source.Record, error) {
	req := wire.SetPropertyRequest{ID: id, Key: key, Unset: true}
	var resp wire.RecordResponse
	if err := s.client.Call(ctx, wire.OpSetProperty, req, &resp); err != nil {
		return nil, fmt.Errorf("remote: unset %s on %s: %w", key, id, err)
	}
	rec := resp.Record
	return &rec, nil
}

// SetDependencies replaces the dependency list.
func (s *Source) SetDependencies(ctx context.Context, id resource.ID, deps []source.Dependency) (*source.Record, error) {
	req := wire.SetDependenciesRequest{ID: id, Dependencies: deps}
	var resp wire.RecordResponse
	if err := s.client.Call(ctx, wire.OpSetDependencies, req, &resp); err != nil {
		return nil, fmt.Errorf("remote: set dependencies of %s: %w", id, err)
	}
	rec := resp.Record
	return &rec, nil
}

// Delete removes the record and its payload.
func (s *Source) Delete(ctx context.Context, id resource.ID) error {
	if err := s.client.Call(ctx, wire.OpDeleteSource, wire.IDRequest{ID: id}, nil); err != nil {
		return fmt.Errorf("remote: delete %s: %w", id, err)
	}
	return nil
}

// Counter returns the live change counter. The protocol has no
// dedicated counter request; the record answers it.
func (s *Source) Counter(ctx context.Context, id resource.ID) (change.Counter, error) {
	rec, err := s.FetchRecord(ctx, id)
	if err != nil {
		return 0, err
	}
	return rec.Counter, nil
}

// ReverseDependencies returns the IDs that depend on id.
func (s *Source) ReverseDependencies(ctx context.Context, id resource.ID) ([]resource.ID, error) {
	var resp wire.ReverseResponse
	if err := s.client.Call(ctx, wire.OpFetchReverse, wire.IDRequest{ID: id}, &resp); err != nil {
		return nil, fmt.Errorf("remote: reverse dependencies of %s: %w", id, err)
	}
	return resp.IDs, nil
}

// Events returns the daemon's mutation bus, mirrored locally. The
// first call opens the push subscription; it stays open across daemon
// restarts, delivering a Resync after every gap.
func (s *Source) Events() *event.Bus {
	s.pumpOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopPump = cancel
		ch := s.client.Subscribe(ctx, wire.SubscribeRequest{})
		go pump(ch, s.bus, s.logger)
	})
	return s.bus
}

// Close stops the event pump and ends open subscriptions. It does not
// touch the daemon.
func (s *Source) Close() error {
	s.pumpOnce.Do(func() {}) // pin: no pump may start after Close
	if s.stopPump != nil {
		s.stopPump()
	}
	s.bus.Close()
	return nil
}

// pump republishes wire events onto a local bus until the channel
// closes. The bus restamps tokens per local subscription.
func pump(ch <-chan change.Event, bus *event.Bus, logger *slog.Logger) {
	for ev := range ch {
		bus.Publish(ev)
	}
	logger.Debug("event pump ended")
}
