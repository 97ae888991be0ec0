// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/quarry-build/quarry/lib/config"
	"github.com/quarry-build/quarry/lib/importer"
	"github.com/quarry-build/quarry/lib/serve"
	"github.com/quarry-build/quarry/lib/source"
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
		storeDir   string
		watchDirs  []string
		logLevel   string
		logFormat  string
	)
	pflag.StringVar(&configPath, "config", "", "configuration file (overrides QUARRY_CONFIG)")
	pflag.StringVar(&listen, "listen", "", "TCP listen address, empty disables TCP (overrides config)")
	pflag.StringVar(&socket, "socket", "", "Unix socket path, empty disables the socket (overrides config)")
	pflag.StringVar(&storeDir, "store", "", "source store directory (overrides config)")
	pflag.StringArrayVar(&watchDirs, "watch", nil, "directory to autoimport from (repeatable, adds to config)")
	pflag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, or error")
	pflag.StringVar(&logFormat, "log-format", "", "log format: text or json")
	pflag.Parse()

	if showVersion {
		fmt.Printf("sourced %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Flags win over the file. Changed distinguishes an explicit empty
	// value (disable that listener) from an unset flag.
	flags := pflag.CommandLine
	if flags.Changed("listen") {
		cfg.Source.Listen = listen
	}
	if flags.Changed("socket") {
		cfg.Source.Socket = socket
	}
	if flags.Changed("store") {
		cfg.Source.Store = storeDir
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	cfg.Watch = append(cfg.Watch, watchDirs...)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Source.Listen == "" && cfg.Source.Socket == "" {
		return fmt.Errorf("nothing to serve on: set --listen or --socket")
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := source.OpenLocal(source.LocalStoreConfig{
		Root:   cfg.Source.Store,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening source store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing source store", "error", err)
		}
	}()

	srv, err := wire.NewServer(wire.ServerConfig{
		Listen:   cfg.Source.Listen,
		Socket:   cfg.Source.Socket,
		Events:   store.Events(),
		Software: "sourced/" + version.Short(),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	serve.Source(srv, store)

	// Optionally start the autoimporter. The import map shares the
	// store's database file; both pools ride the same WAL.
	var watchDone chan error
	if len(cfg.Watch) > 0 {
		importMap, err := importer.OpenMap(importer.MapConfig{
			Path:   filepath.Join(store.Root(), "source.db"),
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("opening import map: %w", err)
		}
		defer func() {
			if err := importMap.Close(); err != nil {
				logger.Error("closing import map", "error", err)
			}
		}()

		registry := importer.NewRegistry()
		for _, imp := range importer.DefaultImporters() {
			if err := registry.Register(imp); err != nil {
				return err
			}
		}

		watcher, err := importer.NewWatcher(importer.WatcherConfig{
			Registry: registry,
			Store:    store,
			Map:      importMap,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("creating watcher: %w", err)
		}
		for _, dir := range cfg.Watch {
			if err := watcher.Add(dir); err != nil {
				return fmt.Errorf("watching %s: %w", dir, err)
			}
		}

		watchDone = make(chan error, 1)
		go func() {
			watchDone <- watcher.Run(ctx)
		}()
	}

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

	logger.Info("sourced running",
		"listen", cfg.Source.Listen,
		"socket", cfg.Source.Socket,
		"store", cfg.Source.Store,
		"watch", cfg.Watch,
		"version", version.Short(),
	)

	// Wait for a shutdown signal, or for the server to fail on its
	// own. In the failure case stop() cancels the watcher so the drain
	// below does not hang.
	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		serveErr = <-serveDone
	case serveErr = <-serveDone:
		logger.Error("server stopped", "error", serveErr)
		stop()
	}

	if watchDone != nil {
		if err := <-watchDone; err != nil {
			logger.Error("watcher stopped", "error", err)
		}
	}
	return serveErr
}

// loadConfig reads the file named by --config, falling back to
// QUARRY_CONFIG and then to defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
