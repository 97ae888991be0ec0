// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/quarry-build/quarry/lib/compile"
	"github.com/quarry-build/quarry/lib/compiled"
	"github.com/quarry-build/quarry/lib/config"
	"github.com/quarry-build/quarry/lib/remote"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
	"github.com/quarry-build/quarry/lib/wire"
)

// Connection carries the flags shared by every command that touches a
// store: which configuration file to read and where the source of
// truth lives. Zero value plus AddFlags is the normal way to build one.
type Connection struct {
	ConfigPath string
	Remote     string
	StoreDir   string
	Verbose    bool
}

// AddFlags registers the shared connection flags on flags.
func (c *Connection) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.ConfigPath, "config", "", "configuration file (overrides QUARRY_CONFIG)")
	flags.StringVar(&c.Remote, "remote", "", "sourced endpoint, host:port or a socket path (overrides config)")
	flags.StringVar(&c.StoreDir, "store", "", "open this source store directly instead of any daemon")
	flags.BoolVar(&c.Verbose, "verbose", false, "log connection and pipeline activity")
}

// Config loads the configuration and applies the connection flags on
// top. --store forces local access; --remote forces a daemon; setting
// both is an error.
func (c *Connection) Config() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if c.ConfigPath != "" {
		cfg, err = config.LoadFile(c.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if c.Remote != "" && c.StoreDir != "" {
		return nil, fmt.Errorf("--remote and --store are mutually exclusive")
	}
	if c.Remote != "" {
		cfg.Source.Remote = c.Remote
	}
	if c.StoreDir != "" {
		cfg.Source.Store = c.StoreDir
		cfg.Source.Remote = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Session opens a Session over the resolved configuration.
func (c *Connection) Session() (*Session, error) {
	cfg, err := c.Config()
	if err != nil {
		return nil, err
	}

	registry := resource.NewRegistry()
	if cfg.Source.Remote != "" {
		registry.SetFallback(resource.Origin{Kind: resource.OriginRemote, Endpoint: cfg.Source.Remote})
	}
	for _, origin := range cfg.Origins {
		id, err := resource.ParseID(origin.ID)
		if err != nil {
			return nil, fmt.Errorf("config: origins: %w", err)
		}
		registry.Set(id, resource.Origin{Kind: resource.OriginRemote, Endpoint: origin.Endpoint})
	}

	return &Session{
		cfg:      cfg,
		logger:   NewCommandLogger(c.Verbose),
		registry: registry,
		remotes:  make(map[string]*remote.Source),
	}, nil
}

// Session is one command invocation's view of the quarry stores.
// Backends open lazily — a command that only talks to a daemon never
// creates a local store directory — and Close releases everything that
// was opened, in reverse order. Methods are safe for concurrent use;
// the compile pipeline resolves dependency backends through the same
// session that serves the command itself.
type Session struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *resource.Registry

	mu          sync.Mutex
	local       *source.LocalStore
	remotes     map[string]*remote.Source
	localCache  *compiled.LocalCache
	remoteCache *remote.Cache
	pipeline    *compile.Pipeline
	closers     []func() error
}

var _ compile.SourceResolver = (*Session)(nil)

// Config returns the resolved configuration.
func (s *Session) Config() *config.Config { return s.cfg }

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// Backend returns the source backend owning id, per the origins table:
// an explicitly mapped identifier goes to its daemon, everything else
// to the default origin. Satisfies the compile pipeline's resolver
// interface so dependency lookups route the same way.
func (s *Session) Backend(_ context.Context, id resource.ID) (source.Backend, error) {
	origin, _ := s.registry.Lookup(id)
	return s.backendFor(origin)
}

// DefaultBackend returns the backend new resources are stored to: the
// configured daemon when one is set, the local store otherwise. The
// nil identifier never has an explicit origin, so its lookup yields
// the fallback.
func (s *Session) DefaultBackend() (source.Backend, error) {
	origin, _ := s.registry.Lookup(resource.Nil)
	return s.backendFor(origin)
}

func (s *Session) backendFor(origin resource.Origin) (source.Backend, error) {
	switch origin.Kind {
	case resource.OriginRemote:
		return s.remoteSource(origin.Endpoint)
	default:
		return s.localStore()
	}
}

func (s *Session) localStore() (*source.LocalStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local, nil
	}
	store, err := source.OpenLocal(source.LocalStoreConfig{
		Root:   s.cfg.Source.Store,
		Logger: s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening source store: %w", err)
	}
	s.local = store
	s.closers = append(s.closers, store.Close)
	return store, nil
}

func (s *Session) remoteSource(endpoint string) (*remote.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src, ok := s.remotes[endpoint]; ok {
		return src, nil
	}
	client, err := wire.NewClient(wire.ClientConfig{
		Address: dialAddress(endpoint),
		Logger:  s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", endpoint, err)
	}
	src, err := remote.NewSource(remote.SourceConfig{Client: client, Logger: s.logger})
	if err != nil {
		return nil, err
	}
	s.remotes[endpoint] = src
	s.closers = append(s.closers, src.Close)
	return src, nil
}

// LocalCache returns the on-disk artifact cache at the configured
// cache root, opening it on first use.
func (s *Session) LocalCache() (*compiled.LocalCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localCache != nil {
		return s.localCache, nil
	}
	cache, err := compiled.OpenLocal(compiled.LocalCacheConfig{
		Root:     s.cfg.Cache.Root,
		Capacity: s.cfg.Cache.Capacity,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	s.localCache = cache
	s.closers = append(s.closers, cache.Close)
	return cache, nil
}

// RemoteCache returns the shared cache client, or (nil, nil) when the
// configuration names no compiled daemon.
func (s *Session) RemoteCache() (*remote.Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteCache != nil {
		return s.remoteCache, nil
	}
	if s.cfg.Cache.Remote == "" {
		return nil, nil
	}
	client, err := wire.NewClient(wire.ClientConfig{
		Address: dialAddress(s.cfg.Cache.Remote),
		Logger:  s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", s.cfg.Cache.Remote, err)
	}
	cache, err := remote.NewCache(remote.CacheConfig{Client: client, Logger: s.logger})
	if err != nil {
		return nil, err
	}
	s.remoteCache = cache
	s.closers = append(s.closers, cache.Close)
	return cache, nil
}

// Pipeline returns the compile pipeline: sources routed through the
// origins table, the local cache as first level, the shared cache (if
// configured) as second, and the built-in compiler set ending in copy.
func (s *Session) Pipeline() (*compile.Pipeline, error) {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline != nil {
		return pipeline, nil
	}

	local, err := s.LocalCache()
	if err != nil {
		return nil, err
	}
	remoteCache, err := s.RemoteCache()
	if err != nil {
		return nil, err
	}

	compilers := compile.NewRegistry()
	if err := compilers.Register(compile.CopyCompiler{}); err != nil {
		return nil, err
	}

	cfg := compile.PipelineConfig{
		Sources:   s,
		Compilers: compilers,
		Local:     local,
		Logger:    s.logger,
	}
	if remoteCache != nil {
		cfg.Remote = remoteCache
	}
	pipeline, err = compile.NewPipeline(cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.pipeline != nil {
		existing := s.pipeline
		s.mu.Unlock()
		pipeline.Close()
		return existing, nil
	}
	s.pipeline = pipeline
	s.closers = append(s.closers, pipeline.Close)
	s.mu.Unlock()
	return pipeline, nil
}

// Close releases everything the session opened, last first.
func (s *Session) Close() error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dialAddress normalizes a configured endpoint to the form the wire
// client dials: a unix:// scheme is stripped to the bare socket path.
func dialAddress(endpoint string) string {
	return strings.TrimPrefix(endpoint, "unix://")
}
