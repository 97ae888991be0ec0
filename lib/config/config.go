// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration shared by both daemons and the
// CLI. Each binary reads the sections it needs and ignores the rest,
// so one file can describe a whole host.
type Config struct {
	// Root is the base directory for quarry data. Store and cache
	// paths default to subdirectories of it, and ${QUARRY_ROOT}
	// expands to it in every other path field.
	Root string `yaml:"root"`

	// Source configures the source store and the sourced daemon.
	Source SourceConfig `yaml:"source"`

	// Cache configures the compiled cache and the compiled daemon.
	Cache CacheConfig `yaml:"cache"`

	// Log configures logging for whichever binary loads the file.
	Log LogConfig `yaml:"log"`

	// Watch lists directories sourced auto-imports from. Repeatable
	// --watch flags append to it.
	Watch []string `yaml:"watch"`

	// Origins maps individual resource identifiers to remote source
	// daemons. Resources without an entry use the local store (CLI)
	// or the daemon's own store (sourced).
	Origins []OriginConfig `yaml:"origins"`
}

// SourceConfig configures the source store and daemon.
type SourceConfig struct {
	// Listen is the TCP address sourced serves on. Empty disables
	// TCP.
	Listen string `yaml:"listen"`

	// Socket is the Unix socket path sourced serves on. Empty
	// disables the socket.
	Socket string `yaml:"socket"`

	// Store is the source store root directory.
	Store string `yaml:"store"`

	// Remote is the sourced endpoint clients connect to
	// ("host:port" or "unix:///path"). Empty means clients open the
	// store directly.
	Remote string `yaml:"remote"`
}

// CacheConfig configures the compiled cache and daemon.
type CacheConfig struct {
	// Listen is the TCP address compiled serves on. Empty disables
	// TCP.
	Listen string `yaml:"listen"`

	// Socket is the Unix socket path compiled serves on. Empty
	// disables the socket.
	Socket string `yaml:"socket"`

	// Root is the compiled cache root directory.
	Root string `yaml:"root"`

	// Capacity is the cache size limit in bytes. Least-recently-used
	// artifacts are evicted once total size exceeds it. Zero means
	// unbounded.
	Capacity int64 `yaml:"capacity"`

	// Remote is the compiled endpoint clients connect to. Empty means
	// clients use only the local cache.
	Remote string `yaml:"remote"`
}

// LogConfig selects log verbosity and output encoding.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is "text" or "json". Both write to stderr.
	Format string `yaml:"format"`
}

// OriginConfig is one resource-to-endpoint mapping. ID is the
// canonical UUID string; the CLI parses and rejects malformed entries
// at startup.
type OriginConfig struct {
	ID       string `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the development defaults: everything under
// ~/.cache/quarry, daemons on loopback TCP, text logging at info.
// The config file overrides these; flags override the file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".cache", "quarry")

	return &Config{
		Root: root,
		Source: SourceConfig{
			Listen: "127.0.0.1:7227",
			Store:  filepath.Join(root, "source"),
		},
		Cache: CacheConfig{
			Listen:   "127.0.0.1:7228",
			Root:     filepath.Join(root, "cache"),
			Capacity: 4 << 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the file named by the QUARRY_CONFIG
// environment variable, or returns defaults when it is unset. There
// is no ~/.config discovery and no file search; a binary reads exactly
// one file, named explicitly, or none.
func Load() (*Config, error) {
	path := os.Getenv("QUARRY_CONFIG")
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path on top of the defaults.
// Unknown keys are errors: a typoed field name must not silently fall
// back to a default. After decoding, ${VAR} and ${VAR:-default}
// patterns in path fields are expanded (QUARRY_ROOT, HOME, then the
// process environment).
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields. Root is expanded first so ${QUARRY_ROOT} in dependent paths
// sees the expanded value.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"QUARRY_ROOT": c.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Root = expandVars(c.Root, vars)
	vars["QUARRY_ROOT"] = c.Root

	c.Source.Store = expandVars(c.Source.Store, vars)
	c.Source.Socket = expandVars(c.Source.Socket, vars)
	c.Cache.Root = expandVars(c.Cache.Root, vars)
	c.Cache.Socket = expandVars(c.Cache.Socket, vars)
	for i, dir := range c.Watch {
		c.Watch[i] = expandVars(dir, vars)
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. Binaries call it once
// after applying flag overrides, so a bad value from either source is
// caught before anything opens.
func (c *Config) Validate() error {
	var errs []error

	if c.Root == "" {
		errs = append(errs, fmt.Errorf("root is required"))
	}
	if c.Cache.Capacity < 0 {
		errs = append(errs, fmt.Errorf("cache.capacity must not be negative"))
	}
	if _, err := c.Log.slogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	for _, origin := range c.Origins {
		if origin.ID == "" || origin.Endpoint == "" {
			errs = append(errs, fmt.Errorf("origins entries need both id and endpoint"))
			break
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// NewLogger builds the binary's logger from the resolved log
// configuration: text or JSON handler, writing to stderr. It also
// sets the default slog logger so library code using slog.Default
// reports through the same handler.
func (l LogConfig) NewLogger() (*slog.Logger, error) {
	level, err := l.slogLevel()
	if err != nil {
		return nil, err
	}

	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch l.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, options)
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, options)
	default:
		return nil, fmt.Errorf("log.format must be text or json, got %q", l.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func (l LogConfig) slogLevel() (slog.Level, error) {
	switch l.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level must be debug, info, warn, or error, got %q", l.Level)
	}
}
