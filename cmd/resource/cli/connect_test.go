// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quarry-build/quarry/lib/remote"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
)

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quarry.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// localConfig builds a config file rooted in a fresh temp dir, with
// store and cache under it and no daemons. The source block comes
// last: indented extra lines extend it, unindented ones add top-level
// keys.
func localConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := "root: " + dir + "\n" +
		"cache:\n  root: " + filepath.Join(dir, "cache") + "\n" +
		"source:\n  store: " + filepath.Join(dir, "source") + "\n" +
		extra
	return writeConfig(t, content)
}

func TestConnectionConfig_Defaults(t *testing.T) {
	t.Setenv("QUARRY_CONFIG", "")

	var conn Connection
	cfg, err := conn.Config()
	if err != nil {
		t.Fatalf("Config() error: %v", err)
	}
	if cfg.Root == "" {
		t.Error("default config has empty root")
	}
	if cfg.Source.Store == "" {
		t.Error("default config has empty source store")
	}
}

func TestConnectionConfig_RemoteOverride(t *testing.T) {
	conn := Connection{
		ConfigPath: localConfig(t, ""),
		Remote:     "10.0.0.8:7227",
	}
	cfg, err := conn.Config()
	if err != nil {
		t.Fatalf("Config() error: %v", err)
	}
	if cfg.Source.Remote != "10.0.0.8:7227" {
		t.Errorf("Source.Remote = %q, want flag value", cfg.Source.Remote)
	}
}

func TestConnectionConfig_StoreForcesLocal(t *testing.T) {
	storeDir := t.TempDir()
	conn := Connection{
		ConfigPath: localConfig(t, "  remote: 127.0.0.1:7227\n"),
		StoreDir:   storeDir,
	}
	cfg, err := conn.Config()
	if err != nil {
		t.Fatalf("Config() error: %v", err)
	}
	if cfg.Source.Store != storeDir {
		t.Errorf("Source.Store = %q, want %q", cfg.Source.Store, storeDir)
	}
	if cfg.Source.Remote != "" {
		t.Errorf("Source.Remote = %q, want cleared", cfg.Source.Remote)
	}
}

func TestConnectionConfig_RemoteAndStoreConflict(t *testing.T) {
	conn := Connection{
		ConfigPath: localConfig(t, ""),
		Remote:     "127.0.0.1:7227",
		StoreDir:   t.TempDir(),
	}
	_, err := conn.Config()
	if err == nil {
		t.Fatal("Config() = nil, want error for conflicting flags")
	}
	if !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("error = %q, want mutual-exclusion message", err)
	}
}

func TestSession_RejectsMalformedOriginID(t *testing.T) {
	conn := Connection{
		ConfigPath: localConfig(t, "origins:\n  - id: not-a-uuid\n    endpoint: 127.0.0.1:7227\n"),
	}
	_, err := conn.Session()
	if err == nil {
		t.Fatal("Session() = nil, want error for malformed origin id")
	}
}

func TestSession_LocalRouting(t *testing.T) {
	conn := Connection{ConfigPath: localConfig(t, "")}
	session, err := conn.Session()
	if err != nil {
		t.Fatalf("Session() error: %v", err)
	}
	defer session.Close()

	ctx := context.Background()
	def, err := session.DefaultBackend()
	if err != nil {
		t.Fatalf("DefaultBackend() error: %v", err)
	}
	if _, ok := def.(*source.LocalStore); !ok {
		t.Fatalf("default backend is %T, want *source.LocalStore", def)
	}

	// Without origins every identifier routes to the same local store.
	routed, err := session.Backend(ctx, resource.NewID())
	if err != nil {
		t.Fatalf("Backend() error: %v", err)
	}
	if routed != def {
		t.Error("unmapped identifier did not route to the default backend")
	}
}

func TestSession_OriginRouting(t *testing.T) {
	mapped := resource.MustParseID("7b09ad3e-5c4e-4f0e-9d3a-2f6f3f1c8b7a")
	conn := Connection{
		ConfigPath: localConfig(t,
			"origins:\n  - id: "+mapped.String()+"\n    endpoint: 127.0.0.1:7997\n"),
	}
	session, err := conn.Session()
	if err != nil {
		t.Fatalf("Session() error: %v", err)
	}
	defer session.Close()

	ctx := context.Background()
	routed, err := session.Backend(ctx, mapped)
	if err != nil {
		t.Fatalf("Backend() error: %v", err)
	}
	if _, ok := routed.(*remote.Source); !ok {
		t.Fatalf("mapped identifier routed to %T, want *remote.Source", routed)
	}

	// Same endpoint, same client: the session caches per endpoint.
	again, err := session.Backend(ctx, mapped)
	if err != nil {
		t.Fatalf("Backend() error: %v", err)
	}
	if again != routed {
		t.Error("second lookup built a new backend for the same endpoint")
	}

	// Unmapped identifiers still go local.
	def, err := session.Backend(ctx, resource.NewID())
	if err != nil {
		t.Fatalf("Backend() error: %v", err)
	}
	if _, ok := def.(*source.LocalStore); !ok {
		t.Fatalf("unmapped identifier routed to %T, want *source.LocalStore", def)
	}
}

func TestSession_RemoteFallback(t *testing.T) {
	conn := Connection{
		ConfigPath: localConfig(t, "  remote: 127.0.0.1:7996\n"),
	}
	session, err := conn.Session()
	if err != nil {
		t.Fatalf("Session() error: %v", err)
	}
	defer session.Close()

	def, err := session.DefaultBackend()
	if err != nil {
		t.Fatalf("DefaultBackend() error: %v", err)
	}
	if _, ok := def.(*remote.Source); !ok {
		t.Fatalf("default backend is %T, want *remote.Source with a configured remote", def)
	}
}

func TestSession_PipelineBuiltOnce(t *testing.T) {
	conn := Connection{ConfigPath: localConfig(t, "")}
	session, err := conn.Session()
	if err != nil {
		t.Fatalf("Session() error: %v", err)
	}
	defer session.Close()

	first, err := session.Pipeline()
	if err != nil {
		t.Fatalf("Pipeline() error: %v", err)
	}
	second, err := session.Pipeline()
	if err != nil {
		t.Fatalf("Pipeline() error: %v", err)
	}
	if first != second {
		t.Error("Pipeline() built twice")
	}
}

func TestSession_CloseTwice(t *testing.T) {
	conn := Connection{ConfigPath: localConfig(t, "")}
	session, err := conn.Session()
	if err != nil {
		t.Fatalf("Session() error: %v", err)
	}
	if _, err := session.DefaultBackend(); err != nil {
		t.Fatalf("DefaultBackend() error: %v", err)
	}

	if err := session.Close(); err != nil {
		t.Errorf("first Close() error: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}
