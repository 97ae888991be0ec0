// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package remote_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/compile"
	"github.com/quarry-build/quarry/lib/compiled"
	"github.com/quarry-build/quarry/lib/event"
	"github.com/quarry-build/quarry/lib/platform"
	"github.com/quarry-build/quarry/lib/remote"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/serve"
	"github.com/quarry-build/quarry/lib/source"
	"github.com/quarry-build/quarry/lib/stream"
	"github.com/quarry-build/quarry/lib/testutil"
	"github.com/quarry-build/quarry/lib/wire"
)

const waitTimeout = 5 * time.Second

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

// startServer runs srv until test cleanup and waits for readiness.
func startServer(t *testing.T, srv *wire.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	testutil.RequireClosed(t, srv.Ready(), waitTimeout, "server ready")
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, waitTimeout, "server exit"); err != nil {
			t.Errorf("serve returned %v", err)
		}
	})
}

func newClient(t *testing.T, address string) *wire.Client {
	t.Helper()
	client, err := wire.NewClient(wire.ClientConfig{Address: address, Logger: discard()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

// sourceDaemon is a sourced running in-process: a local store behind a
// wire server, with a remote Source dialing it.
func sourceDaemon(t *testing.T) (*remote.Source, *source.LocalStore) {
	t.Helper()
	store, err := source.OpenLocal(source.LocalStoreConfig{Root: t.TempDir(), Logger: discard()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	socket := filepath.Join(testutil.SocketDir(t), "sourced.sock")
	srv, err := wire.NewServer(wire.ServerConfig{Socket: socket, Events: store.Events(), Logger: discard()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	serve.Source(srv, store)
	startServer(t, srv)

	src, err := remote.NewSource(remote.SourceConfig{Client: newClient(t, socket), Logger: discard()})
	if err != nil {
		t.Fatalf("new remote source: %v", err)
	}
	t.Cleanup(func() { src.Close() })
	return src, store
}

// cacheDaemon is a compiledd running in-process.
func cacheDaemon(t *testing.T) (*remote.Cache, *compiled.LocalCache) {
	t.Helper()
	local, err := compiled.OpenLocal(compiled.LocalCacheConfig{Root: t.TempDir(), Logger: discard()})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	socket := filepath.Join(testutil.SocketDir(t), "compiledd.sock")
	srv, err := wire.NewServer(wire.ServerConfig{Socket: socket, Events: local.Events(), Logger: discard()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	serve.Cache(srv, local)
	startServer(t, srv)

	cache, err := remote.NewCache(remote.CacheConfig{Client: newClient(t, socket), Logger: discard()})
	if err != nil {
		t.Fatalf("new remote cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache, local
}

func linuxTag(t *testing.T) platform.Tag {
	t.Helper()
	tag, err := platform.Parse("linux")
	if err != nil {
		t.Fatal(err)
	}
	return tag
}

func hashOf(t *testing.T, payload []byte) change.Hash {
	t.Helper()
	hash, err := change.HashContent(nil, payload)
	if err != nil {
		t.Fatalf("HashContent: %v", err)
	}
	return hash
}

func TestSourceStoreFetchRoundTrip(t *testing.T) {
	src, _ := sourceDaemon(t)
	ctx := context.Background()
	id := resource.NewID()
	props := map[string]string{source.PropName: "textures/stone", source.PropType: "texture"}
	payload := []byte("stone texture bytes")

	rec, err := src.Store(ctx, id, props, stream.FromBytes(payload))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if rec.Counter != 1 {
		t.Errorf("counter = %d, want 1 on first store", rec.Counter)
	}
	if rec.PayloadSize != int64(len(payload)) {
		t.Errorf("payload size = %d, want %d", rec.PayloadSize, len(payload))
	}

	got, st, err := src.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	data, err := stream.ReadAll(st)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("payload = %q, want %q", data, payload)
	}
	if got.Properties[source.PropName] != "textures/stone" {
		t.Errorf("name = %q, want textures/stone", got.Properties[source.PropName])
	}

	// Identical content is idempotent through the wire.
	rec, err = src.Store(ctx, id, props, stream.FromBytes(payload))
	if err != nil {
		t.Fatalf("re-store: %v", err)
	}
	if rec.Counter != 1 {
		t.Errorf("counter = %d after identical store, want 1", rec.Counter)
	}

	// Changed content bumps by exactly one.
	rec, err = src.Store(ctx, id, props, stream.FromBytes([]byte("v2")))
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if rec.Counter != 2 {
		t.Errorf("counter = %d after modify, want 2", rec.Counter)
	}
}

func TestSourceNotFoundIsNotUnavailable(t *testing.T) {
	src, _ := sourceDaemon(t)
	_, err := src.FetchRecord(context.Background(), resource.NewID())
	if !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if errors.Is(err, resource.ErrUnavailable) {
		t.Errorf("a running daemon answered; error must not be unavailable: %v", err)
	}
}

func TestSourceUnreachableDaemon(t *testing.T) {
	src, err := remote.NewSource(remote.SourceConfig{
		Client: newClient(t, filepath.Join(testutil.SocketDir(t), "nobody.sock")),
		Logger: discard(),
	})
	if err != nil {
		t.Fatalf("new remote source: %v", err)
	}
	defer src.Close()

	_, err = src.FetchRecord(context.Background(), resource.NewID())
	if !errors.Is(err, resource.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestSourcePropertyCounterRules(t *testing.T) {
	src, _ := sourceDaemon(t)
	ctx := context.Background()
	id := resource.NewID()
	if _, err := src.Store(ctx, id, map[string]string{source.PropType: "shader"}, stream.FromBytes([]byte("src"))); err != nil {
		t.Fatalf("store: %v", err)
	}

	rec, err := src.SetProperty(ctx, id, "quality", "high")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if rec.Counter != 2 {
		t.Errorf("counter = %d after new property, want 2", rec.Counter)
	}

	// Unchanged value does not move the counter.
	rec, err = src.SetProperty(ctx, id, "quality", "high")
	if err != nil {
		t.Fatalf("re-set: %v", err)
	}
	if rec.Counter != 2 {
		t.Errorf("counter = %d after no-op set, want 2", rec.Counter)
	}

	rec, err = src.UnsetProperty(ctx, id, "quality")
	if err != nil {
		t.Fatalf("unset: %v", err)
	}
	if rec.Counter != 3 {
		t.Errorf("counter = %d after unset, want 3", rec.Counter)
	}
	if _, ok := rec.Properties["quality"]; ok {
		t.Errorf("quality survived unset: %v", rec.Properties)
	}
}

func TestSourceDependenciesAndReverse(t *testing.T) {
	src, _ := sourceDaemon(t)
	ctx := context.Background()
	parent, dep := resource.NewID(), resource.NewID()
	for _, id := range []resource.ID{parent, dep} {
		if _, err := src.Store(ctx, id, map[string]string{source.PropType: "mesh"}, stream.FromBytes([]byte(id.String()))); err != nil {
			t.Fatalf("store %s: %v", id, err)
		}
	}

	rec, err := src.SetDependencies(ctx, parent, []source.Dependency{{ID: dep, Platform: linuxTag(t)}})
	if err != nil {
		t.Fatalf("set dependencies: %v", err)
	}
	if len(rec.Dependencies) != 1 || rec.Dependencies[0].ID != dep {
		t.Errorf("dependencies = %+v, want [%s]", rec.Dependencies, dep)
	}
	if rec.Dependencies[0].Platform != linuxTag(t) {
		t.Errorf("dependency platform = %v, want linux", rec.Dependencies[0].Platform)
	}
	if rec.Counter != 1 {
		t.Errorf("counter = %d, dependency edges must not move it", rec.Counter)
	}

	ids, err := src.ReverseDependencies(ctx, dep)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if len(ids) != 1 || ids[0] != parent {
		t.Errorf("reverse = %v, want [%s]", ids, parent)
	}
}

func TestSourceDelete(t *testing.T) {
	src, _ := sourceDaemon(t)
	ctx := context.Background()
	id := resource.NewID()
	if _, err := src.Store(ctx, id, nil, stream.FromBytes([]byte("gone soon"))); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := src.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := src.FetchRecord(ctx, id); !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("after delete: err = %v, want ErrNotFound", err)
	}
	if err := src.Delete(ctx, id); !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("double delete: err = %v, want ErrNotFound", err)
	}
}

func TestSourceCounter(t *testing.T) {
	src, _ := sourceDaemon(t)
	ctx := context.Background()
	id := resource.NewID()
	if _, err := src.Store(ctx, id, nil, stream.FromBytes([]byte("v1"))); err != nil {
		t.Fatalf("store: %v", err)
	}
	n, err := src.Counter(ctx, id)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if n != 1 {
		t.Errorf("counter = %d, want 1", n)
	}
	if _, err := src.Store(ctx, id, nil, stream.FromBytes([]byte("v2"))); err != nil {
		t.Fatalf("modify: %v", err)
	}
	if n, _ = src.Counter(ctx, id); n != 2 {
		t.Errorf("counter = %d after modify, want 2", n)
	}
}

func TestSourceEventsReachRemoteSubscribers(t *testing.T) {
	src, store := sourceDaemon(t)

	sub := src.Events().Subscribe(event.SubscribeOptions{})
	defer sub.Close()
	waitBusSubscribers(t, store.Events(), 1)

	id := resource.NewID()
	if _, err := src.Store(context.Background(), id, nil, stream.FromBytes([]byte("watched"))); err != nil {
		t.Fatalf("store: %v", err)
	}

	ev := testutil.RequireReceive(t, sub.C, waitTimeout, "event across the wire")
	if ev.ID != id || ev.Kind != change.Added {
		t.Errorf("event = %+v, want added %s", ev, id)
	}
	if ev.Counter != 1 {
		t.Errorf("event counter = %d, want 1", ev.Counter)
	}
}

func waitBusSubscribers(t *testing.T, bus *event.Bus, want int) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if bus.Subscribers() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("bus has %d subscribers, want %d", bus.Subscribers(), want)
}

func TestCachePutGetRoundTrip(t *testing.T) {
	cache, _ := cacheDaemon(t)
	ctx := context.Background()
	payload := []byte("compiled artifact bytes")
	key := resource.Key{ID: resource.NewID(), Platform: linuxTag(t), Version: 1}
	rec := compiled.Record{
		Key:           key,
		SourceCounter: 4,
		SourceHash:    hashOf(t, payload),
		Size:          int64(len(payload)),
	}

	if err := cache.Put(ctx, &rec, stream.FromBytes(payload)); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, st, err := cache.Get(ctx, key, 4)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := stream.ReadAll(st)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("payload = %q, want %q", data, payload)
	}
	if got.SourceCounter != 4 {
		t.Errorf("source counter = %d, want 4", got.SourceCounter)
	}

	// The caller's live counter decides staleness.
	if _, _, err := cache.Get(ctx, key, 5); !errors.Is(err, resource.ErrStale) {
		t.Errorf("counter mismatch: err = %v, want ErrStale", err)
	}

	// Zero skips the check for inspection tools.
	if _, st, err := cache.Get(ctx, key, 0); err != nil {
		t.Errorf("wantCounter 0: %v", err)
	} else {
		st.Close()
	}

	if _, _, err := cache.Get(ctx, resource.Key{ID: resource.NewID(), Platform: key.Platform, Version: 1}, 0); !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("unknown key: err = %v, want ErrNotFound", err)
	}
}

func TestCacheContains(t *testing.T) {
	cache, _ := cacheDaemon(t)
	ctx := context.Background()
	payload := []byte("present")
	key := resource.Key{ID: resource.NewID(), Platform: linuxTag(t), Version: 1}
	rec := compiled.Record{Key: key, SourceCounter: 1, SourceHash: hashOf(t, payload), Size: int64(len(payload))}

	if cache.Contains(ctx, key) {
		t.Error("empty cache claims to contain the key")
	}
	if err := cache.Put(ctx, &rec, stream.FromBytes(payload)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !cache.Contains(ctx, key) {
		t.Error("cache lost the artifact")
	}
}

func TestCacheDeleteIsServerSide(t *testing.T) {
	cache, _ := cacheDaemon(t)
	err := cache.Delete(context.Background(), resource.Key{ID: resource.NewID(), Platform: linuxTag(t), Version: 1})
	if err == nil || !strings.Contains(err.Error(), "server-side") {
		t.Errorf("err = %v, want a server-side eviction explanation", err)
	}
}

func TestCacheEventsReachRemoteSubscribers(t *testing.T) {
	cache, local := cacheDaemon(t)

	sub := cache.Events().Subscribe(event.SubscribeOptions{})
	defer sub.Close()
	waitBusSubscribers(t, local.Events(), 1)

	payload := []byte("artifact")
	key := resource.Key{ID: resource.NewID(), Platform: linuxTag(t), Version: 1}
	rec := compiled.Record{Key: key, SourceCounter: 1, SourceHash: hashOf(t, payload), Size: int64(len(payload))}
	if err := cache.Put(context.Background(), &rec, stream.FromBytes(payload)); err != nil {
		t.Fatalf("put: %v", err)
	}

	ev := testutil.RequireReceive(t, sub.C, waitTimeout, "cache event across the wire")
	if ev.ID != key.ID || ev.Kind != change.Compiled {
		t.Errorf("event = %+v, want compiled %s", ev, key.ID)
	}
}

// refusingCompiler proves a compile never ran: any invocation fails
// the test through the counter assertion.
type refusingCompiler struct {
	compiles atomic.Int32
}

func (c *refusingCompiler) Name() string { return "refuser" }

func (c *refusingCompiler) CanCompile(map[string]string) bool { return true }

func (c *refusingCompiler) Compile(_ context.Context, req *compile.Request) (*compile.Result, error) {
	c.compiles.Add(1)
	req.Payload.Close()
	return nil, errors.New("this test must not compile anything")
}

func TestPipelineServesFromRemoteCache(t *testing.T) {
	remoteCache, _ := cacheDaemon(t)

	store, err := source.OpenLocal(source.LocalStoreConfig{Root: t.TempDir(), Logger: discard()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	local, err := compiled.OpenLocal(compiled.LocalCacheConfig{Root: t.TempDir(), Logger: discard()})
	if err != nil {
		t.Fatalf("open local cache: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	ctx := context.Background()
	id := resource.NewID()
	rec, err := store.Store(ctx, id, map[string]string{source.PropType: "texture"}, stream.FromBytes([]byte("source")))
	if err != nil {
		t.Fatalf("store source: %v", err)
	}

	// Seed the remote cache with an artifact for the live counter, as
	// another node that already compiled it would have.
	artifact := []byte("compiled elsewhere")
	key := resource.Key{ID: id, Platform: linuxTag(t), Version: compile.Version}
	seeded := compiled.Record{
		Key:           key,
		SourceCounter: rec.Counter,
		SourceHash:    rec.Hash,
		Size:          int64(len(artifact)),
	}
	if err := remoteCache.Put(ctx, &seeded, stream.FromBytes(artifact)); err != nil {
		t.Fatalf("seed remote: %v", err)
	}

	registry := compile.NewRegistry()
	comp := &refusingCompiler{}
	if err := registry.Register(comp); err != nil {
		t.Fatalf("register: %v", err)
	}
	pipeline, err := compile.NewPipeline(compile.PipelineConfig{
		Sources:   compile.SingleSource(store),
		Compilers: registry,
		Local:     local,
		Remote:    remoteCache,
		Logger:    discard(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(func() { pipeline.Close() })

	got, st, err := pipeline.EnsureCompiled(ctx, id, linuxTag(t))
	if err != nil {
		t.Fatalf("ensure compiled: %v", err)
	}
	data, err := stream.ReadAll(st)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(data, artifact) {
		t.Errorf("artifact = %q, want %q", data, artifact)
	}
	if got.SourceCounter != rec.Counter {
		t.Errorf("source counter = %d, want %d", got.SourceCounter, rec.Counter)
	}
	if n := comp.compiles.Load(); n != 0 {
		t.Errorf("%d compiles ran; the remote hit should have served", n)
	}

	// The hit was backfilled, so the next request never leaves the
	// machine.
	if !local.Contains(ctx, key) {
		t.Error("remote hit was not backfilled into the local cache")
	}
}
