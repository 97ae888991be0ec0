// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quarry-build/quarry/lib/clock"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
)

// DefaultDebounce is the quiet period the watcher waits after the last
// event on a path before importing it. Editors and build steps write
// files in bursts; the debounce collapses each burst into one import.
const DefaultDebounce = 100 * time.Millisecond

// WatcherConfig wires a Watcher.
type WatcherConfig struct {
	// Registry supplies the importers. Required.
	Registry *Registry

	// Store receives imported sources. Required.
	Store source.Backend

	// Map is the import map. Optional: without it every settled event
	// imports (store idempotence still suppresses counter churn) and
	// removals are ignored, because only the map ties a vanished path
	// back to its record.
	Map *Map

	// Debounce is the per-path quiet period. Defaults to
	// DefaultDebounce.
	Debounce time.Duration

	// Clock injects time for tests. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives operational messages. Defaults to slog.Default().
	Logger *slog.Logger
}

// Watcher autoimports directory trees: it watches for file changes,
// debounces bursts per path, and feeds settled paths through the
// registered importers. Files that vanish lose their mapped record.
//
// fsnotify watches single directories, so Add walks the tree and the
// event loop picks up directories created later.
type Watcher struct {
	registry  *Registry
	store     source.Backend
	importMap *Map
	debounce  time.Duration
	clk       clock.Clock
	logger    *slog.Logger

	fs *fsnotify.Watcher

	// fires carries debounced paths from timer callbacks to the Run
	// goroutine, which does the actual imports.
	fires chan string

	mu      sync.Mutex
	pending map[string]*clock.Timer
	closed  bool

	done chan struct{}
}

// NewWatcher validates the config and builds a watcher. Call Add for
// each tree to autoimport, then Run.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("importer: watcher Registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("importer: watcher Store is required")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("importer: creating watcher: %w", err)
	}

	return &Watcher{
		registry:  cfg.Registry,
		store:     cfg.Store,
		importMap: cfg.Map,
		debounce:  debounce,
		clk:       clk,
		logger:    logger,
		fs:        watcher,
		fires:     make(chan string, 64),
		pending:   make(map[string]*clock.Timer),
		done:      make(chan struct{}),
	}, nil
}

// Add watches root and every subdirectory, and schedules an import for
// every existing file a registered importer matches — files already
// present when the watch starts are ingested the same way files
// created later are. Add may be called for several roots.
func (w *Watcher) Add(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("importer: walking %s: %w", root, err)
		}
		if d.IsDir() {
			if err := w.fs.Add(path); err != nil {
				return fmt.Errorf("importer: watching %s: %w", path, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, ok := w.registry.Match(path); ok {
			w.schedule(path)
		}
		return nil
	})
}

// Run processes watch events until ctx ends. It returns nil on
// cancellation; the watcher is closed when Run returns and cannot be
// reused.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				if w.isClosed() {
					return nil
				}
				return errors.New("importer: watch event channel closed")
			}
			w.handleEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				if w.isClosed() {
					return nil
				}
				return errors.New("importer: watch error channel closed")
			}
			w.logger.Warn("watch error", "error", err)
		case path := <-w.fires:
			w.reconcile(ctx, path)
		}
	}
}

// Close stops watching and cancels pending imports. Safe to call more
// than once and concurrently with Run.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	close(w.done)
	w.mu.Unlock()

	return w.fs.Close()
}

func (w *Watcher) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// handleEvent filters one filesystem event down to a scheduled path.
// New directories get their own watch plus a scan, since files may
// land in them before the watch takes effect.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.Add(ev.Name); err != nil {
				w.logger.Warn("watching new directory failed", "path", ev.Name, "error", err)
			}
			return
		}
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	if _, ok := w.registry.Match(ev.Name); !ok {
		return
	}
	w.schedule(ev.Name)
}

// schedule arms (or re-arms) the debounce timer for path. The import
// happens on the Run goroutine once the timer fires with no newer
// event behind it.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[path] = w.clk.AfterFunc(w.debounce, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()

	select {
	case w.fires <- path:
	case <-w.done:
	}
}

// reconcile resolves a settled path against the filesystem: a file
// that exists is (re)imported, a vanished one loses its mapped record.
// Deciding by stat instead of by event kind makes the usual
// write-temp-then-rename editor save one import instead of a removal
// plus a re-add.
func (w *Watcher) reconcile(ctx context.Context, path string) {
	info, err := os.Stat(path)
	switch {
	case err == nil && info.Mode().IsRegular():
		id, stored, err := ImportFile(ctx, w.registry, w.importMap, w.store, path)
		if err != nil {
			w.logger.Warn("autoimport failed", "path", path, "error", err)
			return
		}
		if stored {
			w.logger.Info("autoimported", "path", path, "id", id.String())
		} else {
			w.logger.Debug("autoimport unchanged", "path", path, "id", id.String())
		}
	case err == nil:
		// Directories and special files carry no payload.
	case errors.Is(err, fs.ErrNotExist):
		w.removeMapped(ctx, path)
	default:
		w.logger.Warn("autoimport stat failed", "path", path, "error", err)
	}
}

// removeMapped deletes the record a vanished path was imported to.
func (w *Watcher) removeMapped(ctx context.Context, path string) {
	if w.importMap == nil {
		return
	}
	mapping, err := w.importMap.Lookup(ctx, path)
	if errors.Is(err, resource.ErrNotFound) {
		return
	}
	if err != nil {
		w.logger.Warn("import map lookup failed", "path", path, "error", err)
		return
	}
	if err := w.store.Delete(ctx, mapping.ID); err != nil && !errors.Is(err, resource.ErrNotFound) {
		w.logger.Warn("removing imported record failed",
			"path", path, "id", mapping.ID.String(), "error", err)
		return
	}
	if err := w.importMap.Forget(ctx, path); err != nil {
		w.logger.Warn("forgetting import mapping failed", "path", path, "error", err)
		return
	}
	w.logger.Info("autoimport removed", "path", path, "id", mapping.ID.String())
}
