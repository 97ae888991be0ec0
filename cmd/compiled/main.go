// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/quarry-build/quarry/lib/compiled"
	"github.com/quarry-build/quarry/lib/config"
	"github.com/quarry-build/quarry/lib/serve"
	"github.com/quarry-build/quarry/lib/version"
	"github.com/quarry-build/quarry/lib/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var showVersion bool
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")

	var (
		configPath string
		listen     string
		socket     string
		cacheDir   string
		capacity   int64
		logLevel   string
		logFormat  string
	)
	pflag.StringVar(&configPath, "config", "", "configuration file (overrides QUARRY_CONFIG)")
	pflag.StringVar(&listen, "listen", "", "TCP listen address, empty disables TCP (overrides config)")
	pflag.StringVar(&socket, "socket", "", "Unix socket path, empty disables the socket (overrides config)")
	pflag.StringVar(&cacheDir, "cache", "", "cache directory (overrides config)")
	pflag.Int64Var(&capacity, "capacity", 0, "cache size limit in bytes, 0 disables eviction (overrides config)")
	pflag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, or error")
	pflag.StringVar(&logFormat, "log-format", "", "log format: text or json")
	pflag.Parse()

	if showVersion {
		fmt.Printf("compiled %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Flags win over the file.
	flags := pflag.CommandLine
	if flags.Changed("listen") {
		cfg.Cache.Listen = listen
	}
	if flags.Changed("socket") {
		cfg.Cache.Socket = socket
	}
	if flags.Changed("cache") {
		cfg.Cache.Root = cacheDir
	}
	if flags.Changed("capacity") {
		cfg.Cache.Capacity = capacity
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Cache.Listen == "" && cfg.Cache.Socket == "" {
		return fmt.Errorf("nothing to serve on: set --listen or --socket")
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := compiled.OpenLocal(compiled.LocalCacheConfig{
		Root:     cfg.Cache.Root,
		Capacity: cfg.Cache.Capacity,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Error("closing cache", "error", err)
		}
	}()

	srv, err := wire.NewServer(wire.ServerConfig{
		Listen:   cfg.Cache.Listen,
		Socket:   cfg.Cache.Socket,
		Events:   cache.Events(),
		Software: "compiled/" + version.Short(),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	serve.Cache(srv, cache)

	// Start the listeners in a goroutine.
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(ctx)
	}()

	select {
	case <-srv.Ready():
	case err := <-serveDone:
		return err
	}

	stats, err := cache.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading cache stats: %w", err)
	}
	logger.Info("compiled running",
		"listen", cfg.Cache.Listen,
		"socket", cfg.Cache.Socket,
		"cache", cfg.Cache.Root,
		"capacity", cfg.Cache.Capacity,
		"entries", stats.Entries,
		"used", stats.Bytes,
		"version", version.Short(),
	)

	// Wait for a shutdown signal, or for the server to fail on its own.
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return <-serveDone
	case err := <-serveDone:
		logger.Error("server stopped", "error", err)
		return err
	}
}

// loadConfig reads the file named by --config, falling back to
// QUARRY_CONFIG and then to defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
