// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package compile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/singleflight"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/compiled"
	"github.com/quarry-build/quarry/lib/event"
	"github.com/quarry-build/quarry/lib/platform"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
	"github.com/quarry-build/quarry/lib/stream"
)

// SourceResolver maps a resource to the backend holding its
// authoritative source representation. The remote package provides a
// registry-driven resolver; single-store deployments use
// [SingleSource].
type SourceResolver interface {
	Backend(ctx context.Context, id resource.ID) (source.Backend, error)
}

type singleSource struct {
	backend source.Backend
}

func (s singleSource) Backend(context.Context, resource.ID) (source.Backend, error) {
	return s.backend, nil
}

// SingleSource resolves every identifier to one backend.
func SingleSource(b source.Backend) SourceResolver {
	return singleSource{backend: b}
}

// defaultStaleRetries bounds how many times EnsureCompiled recompiles
// a source that keeps changing underneath it before giving up.
const defaultStaleRetries = 3

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	// Sources resolves IDs to source backends. Required.
	Sources SourceResolver

	// Compilers selects the compiler for a source. Required.
	Compilers *Registry

	// Local is the cache compiled artifacts are served from and
	// stored to. Required.
	Local compiled.Cache

	// Remote is a second-level cache, probed after Local misses and
	// populated best-effort after compiles. Optional.
	Remote compiled.Cache

	// Logger receives operational messages. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// StaleRetries bounds the revalidation loop. Defaults to 3.
	StaleRetries int
}

// Pipeline turns source representations into cached compiled
// artifacts. At most one compile per Key runs at a time; concurrent
// requests for the same Key share the outcome, success or failure.
// Failures are never cached.
type Pipeline struct {
	sources   SourceResolver
	compilers *Registry
	local     compiled.Cache
	remote    compiled.Cache
	logger    *slog.Logger
	retries   int

	flights singleflight.Group

	bus *event.Bus
}

// NewPipeline validates the config and builds a pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Sources == nil {
		return nil, fmt.Errorf("compile: Sources is required")
	}
	if cfg.Compilers == nil {
		return nil, fmt.Errorf("compile: Compilers is required")
	}
	if cfg.Local == nil {
		return nil, fmt.Errorf("compile: Local cache is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.StaleRetries
	if retries <= 0 {
		retries = defaultStaleRetries
	}
	return &Pipeline{
		sources:   cfg.Sources,
		compilers: cfg.Compilers,
		local:     cfg.Local,
		remote:    cfg.Remote,
		logger:    logger,
		retries:   retries,
		bus:       event.NewBus(),
	}, nil
}

// Events returns the pipeline's bus. Each compile execution publishes
// a Compiled event; cache hits and remote backfills do not.
func (p *Pipeline) Events() *event.Bus {
	return p.bus
}

// Close ends all event subscriptions. In-flight compiles finish on
// their own.
func (p *Pipeline) Close() error {
	p.bus.Close()
	return nil
}

// EnsureCompiled returns an artifact for (id, tag) that is current
// against the live source counter, compiling it if no cache holds one.
// Dependencies are compiled first. The returned stream must be closed.
func (p *Pipeline) EnsureCompiled(ctx context.Context, id resource.ID, tag platform.Tag) (*compiled.Record, stream.Stream, error) {
	return p.ensure(ctx, id, tag, make(map[resource.ID]bool))
}

// Recompile drops local cache entries for the key across all platform
// reductions, then runs EnsureCompiled.
func (p *Pipeline) Recompile(ctx context.Context, id resource.ID, tag platform.Tag) (*compiled.Record, stream.Stream, error) {
	for _, probeTag := range platform.Probes(tag) {
		key := resource.Key{ID: id, Platform: probeTag, Version: Version}
		if err := p.local.Delete(ctx, key); err != nil && !errors.Is(err, resource.ErrNotFound) {
			p.logger.Warn("dropping artifact for recompile failed", "key", key.String(), "error", err)
		}
	}
	return p.EnsureCompiled(ctx, id, tag)
}

// ensure is EnsureCompiled with the cycle guard threaded through the
// dependency recursion. visiting is per-request: it tracks the path,
// not global compile state.
func (p *Pipeline) ensure(ctx context.Context, id resource.ID, tag platform.Tag, visiting map[resource.ID]bool) (*compiled.Record, stream.Stream, error) {
	if id.IsNil() {
		return nil, nil, fmt.Errorf("compile: nil id")
	}
	if visiting[id] {
		return nil, nil, &resource.CompileError{
			Key:        resource.Key{ID: id, Platform: tag, Version: Version},
			Stage:      StageDependency,
			Diagnostic: "dependency cycle",
		}
	}
	visiting[id] = true
	defer delete(visiting, id)

	backend, err := p.sources.Backend(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("compile: resolving %s: %w", id, err)
	}

	for attempt := 0; attempt < p.retries; attempt++ {
		record, err := backend.FetchRecord(ctx, id)
		if err != nil {
			return nil, nil, err
		}

		// Dependencies first. A parent artifact is only as loadable
		// as its dependency artifacts.
		for _, dep := range record.Dependencies {
			depTag := dep.Platform
			if depTag == platform.TagAny {
				depTag = tag
			}
			_, depBody, err := p.ensure(ctx, dep.ID, depTag, visiting)
			if err != nil {
				return nil, nil, &resource.CompileError{
					Key:        resource.Key{ID: id, Platform: tag, Version: Version},
					Stage:      StageDependency,
					Diagnostic: fmt.Sprintf("dependency %s", dep.ID),
					Err:        err,
				}
			}
			depBody.Close()
		}

		rec, body, err := p.probeOrCompile(ctx, backend, id, tag, record.Counter)
		if err != nil {
			return nil, nil, err
		}

		// The artifact is valid for the counter it was compiled from.
		// If the source moved while we worked, it stays cached for
		// readers of that counter, but this call must chase the head.
		live, err := backend.Counter(ctx, id)
		if err != nil {
			body.Close()
			return nil, nil, err
		}
		if rec.SourceCounter == live {
			return rec, body, nil
		}
		body.Close()
		p.logger.Debug("source moved during compile, retrying",
			"id", id.String(),
			"compiled", uint64(rec.SourceCounter),
			"live", uint64(live),
		)
	}
	return nil, nil, fmt.Errorf("compile %s for %s: source still changing after %d attempts: %w",
		id, tag, p.retries, resource.ErrStale)
}

// probeOrCompile serves from the caches when possible, otherwise runs
// the single-flight compile. counter is the live source counter the
// result must match.
func (p *Pipeline) probeOrCompile(ctx context.Context, backend source.Backend, id resource.ID, tag platform.Tag, counter change.Counter) (*compiled.Record, stream.Stream, error) {
	probes := platform.Probes(tag)

	for _, probeTag := range probes {
		probeKey := resource.Key{ID: id, Platform: probeTag, Version: Version}
		rec, body, err := p.local.Get(ctx, probeKey, counter)
		if err == nil {
			return rec, body, nil
		}
		switch {
		case errors.Is(err, resource.ErrStale):
			// A stale entry will never be asked for again at its
			// counter by this caller; reclaim the space now.
			if err := p.local.Delete(ctx, probeKey); err != nil && !errors.Is(err, resource.ErrNotFound) {
				p.logger.Warn("dropping stale artifact failed", "key", probeKey.String(), "error", err)
			}
		case errors.Is(err, resource.ErrNotFound):
		default:
			p.logger.Warn("local cache probe failed", "key", probeKey.String(), "error", err)
		}
	}

	if p.remote != nil {
	remoteProbes:
		for _, probeTag := range probes {
			probeKey := resource.Key{ID: id, Platform: probeTag, Version: Version}
			rec, body, err := p.remote.Get(ctx, probeKey, counter)
			switch {
			case err == nil:
				data, readErr := stream.ReadAll(body)
				if readErr != nil {
					p.logger.Warn("remote artifact read failed", "key", probeKey.String(), "error", readErr)
					break remoteProbes
				}
				// Pull through: next request for this key is local.
				backfill := *rec
				if putErr := p.local.Put(ctx, &backfill, stream.FromBytes(data)); putErr != nil {
					p.logger.Warn("local backfill failed", "key", probeKey.String(), "error", putErr)
				}
				return rec, stream.FromBytes(data), nil
			case errors.Is(err, resource.ErrUnavailable):
				p.logger.Warn("remote cache unavailable", "error", err)
				break remoteProbes
			}
		}
	}

	return p.compileShared(ctx, backend, resource.Key{ID: id, Platform: tag, Version: Version})
}

// flightResult is what one compile execution hands every waiter.
type flightResult struct {
	record *compiled.Record
	data   []byte
}

// compileShared joins (or starts) the single flight for key. The
// executing goroutine runs detached from any one caller's context;
// each waiter can still abandon the wait when its own context ends.
func (p *Pipeline) compileShared(ctx context.Context, backend source.Backend, key resource.Key) (*compiled.Record, stream.Stream, error) {
	ch := p.flights.DoChan(key.String(), func() (any, error) {
		return p.runCompile(context.WithoutCancel(ctx), backend, key)
	})

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, nil, res.Err
		}
		fr := res.Val.(*flightResult)
		rec := *fr.record
		return &rec, stream.FromBytes(fr.data), nil
	}
}

// runCompile is the flight body: recheck the cache, fetch the source,
// select a compiler, run it, store the artifact.
func (p *Pipeline) runCompile(ctx context.Context, backend source.Backend, key resource.Key) (*flightResult, error) {
	counter, err := backend.Counter(ctx, key.ID)
	if err != nil {
		return nil, err
	}

	// A previous flight may have stored this key while we queued
	// behind it.
	if rec, body, err := p.local.Get(ctx, key, counter); err == nil {
		data, readErr := stream.ReadAll(body)
		if readErr == nil {
			return &flightResult{record: rec, data: data}, nil
		}
		p.logger.Warn("cached artifact unreadable, recompiling", "key", key.String(), "error", readErr)
	}

	record, payload, err := backend.Fetch(ctx, key.ID)
	if err != nil {
		return nil, err
	}

	compiler, err := p.compilers.Select(key.ID, key.Platform, record.Properties)
	if err != nil {
		payload.Close()
		return nil, err
	}

	result, err := compiler.Compile(ctx, &Request{
		Record:   record,
		Payload:  payload,
		Platform: key.Platform,
		Lookup:   p.lookupSource,
	})
	if err != nil {
		var ce *resource.CompileError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &resource.CompileError{Key: key, Stage: StageCompile, Err: err}
	}
	if result == nil {
		return nil, &resource.CompileError{
			Key:        key,
			Stage:      StageCompile,
			Diagnostic: fmt.Sprintf("compiler %s returned no result", compiler.Name()),
		}
	}

	// Compilers may discover the real dependency list while working
	// (include scanning); persist it when it differs.
	if result.Dependencies != nil && !slices.Equal(record.Dependencies, result.Dependencies) {
		if _, err := backend.SetDependencies(ctx, key.ID, result.Dependencies); err != nil {
			p.logger.Warn("updating dependencies failed", "id", key.ID.String(), "error", err)
		}
	}

	storeKey := key
	if result.PlatformInvariant {
		storeKey.Platform = platform.TagAny
	}
	rec := &compiled.Record{
		Key:           storeKey,
		SourceCounter: record.Counter,
		SourceHash:    record.Hash,
		Size:          int64(len(result.Data)),
	}
	if err := p.local.Put(ctx, rec, stream.FromBytes(result.Data)); err != nil {
		return nil, &resource.CompileError{Key: key, Stage: StageStore, Err: err}
	}
	if p.remote != nil {
		remoteRec := *rec
		if err := p.remote.Put(ctx, &remoteRec, stream.FromBytes(result.Data)); err != nil {
			p.logger.Warn("remote artifact publish failed", "key", storeKey.String(), "error", err)
		}
	}

	p.bus.Publish(change.Event{
		ID:       key.ID,
		Kind:     change.Compiled,
		Counter:  record.Counter,
		Platform: storeKey.Platform,
	})
	p.logger.Info("compiled",
		"id", key.ID.String(),
		"platform", key.Platform.String(),
		"counter", uint64(record.Counter),
		"size", rec.Size,
		"compiler", compiler.Name(),
	)
	return &flightResult{record: rec, data: result.Data}, nil
}

// lookupSource is the Lookup callback handed to compilers.
func (p *Pipeline) lookupSource(ctx context.Context, id resource.ID) (*source.Record, stream.Stream, error) {
	backend, err := p.sources.Backend(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("compile: resolving %s: %w", id, err)
	}
	return backend.Fetch(ctx, id)
}
