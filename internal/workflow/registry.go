package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kazz187/agentflow/pkg/cerr"
)

// debounceInterval is the delay after an fsnotify event before reloading,
// so rapid editor save sequences (write temp + rename) settle first.
const debounceInterval = 200 * time.Millisecond

// Registry holds the workflow definitions loaded from a directory and
// keeps them fresh while Watch runs.
type Registry struct {
	dir string

	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:  dir,
		defs: make(map[string]*Definition),
	}
}

// Reload replaces the registry contents with what is on disk. On a load
// failure the previous contents are kept.
func (r *Registry) Reload() error {
	defs, err := LoadDir(r.dir)
	if err != nil {
		return err
	}

	next := make(map[string]*Definition, len(defs))
	for _, def := range defs {
		if _, dup := next[def.ID]; dup {
			return cerr.NewError(cerr.InvalidConfiguration, fmt.Sprintf("duplicate workflow id %q in %s", def.ID, r.dir), nil)
		}
		next[def.ID] = def
	}

	r.mu.Lock()
	r.defs = next
	r.mu.Unlock()
	slog.Info("workflow definitions loaded", "dir", r.dir, "count", len(next))
	return nil
}

func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// List returns the definitions sorted by id.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Watch reloads the registry whenever a definition file changes, until
// ctx is cancelled. A reload failure keeps the last good set and is only
// logged.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return cerr.NewError(cerr.Unknown, "failed to create definitions watcher", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return cerr.NewError(cerr.NotFound, fmt.Sprintf("failed to watch definitions dir %s", r.dir), err)
	}
	slog.Info("watching workflow definitions", "dir", r.dir)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceInterval, func() {
				if err := r.Reload(); err != nil {
					slog.Warn("workflow definitions reload failed, keeping previous set", "error", err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("definitions watcher error", "error", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
