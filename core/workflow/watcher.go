package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"

	"github.com/cordum/stepflow/core/infra/logging"
)

// Registrar accepts definitions. *Engine satisfies it.
type Registrar interface {
	RegisterWorkflow(def WorkflowDefinition) error
}

// Watcher registers definition files from a directory as they are created
// or changed.
type Watcher struct {
	dir     string
	target  Registrar
	watcher *fsnotify.Watcher
	onLoad  func(WorkflowDefinition, error)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// OnLoad is called after every load attempt, with the error if any.
func OnLoad(fn func(WorkflowDefinition, error)) WatcherOption {
	return func(w *Watcher) { w.onLoad = fn }
}

// NewWatcher loads every definition already in dir into target and starts
// watching dir. Files that fail to load are logged and skipped.
func NewWatcher(dir string, target Registrar, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{dir: dir, target: target, watcher: fw}
	for _, opt := range opts {
		opt(w)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsDefinitionFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.load(filepath.Join(dir, name))
	}
	return w, nil
}

// Run processes filesystem events until ctx is done or the watcher closes.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !IsDefinitionFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.load(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logging.Error("workflow-watcher", "fsnotify error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) load(path string) {
	def, err := LoadDefinition(path)
	if err == nil {
		err = w.target.RegisterWorkflow(def)
	}
	if err != nil {
		logging.Warn("workflow-watcher", "definition not loaded", "file", path, "error", err)
	} else {
		logging.Info("workflow-watcher", "definition loaded", "file", path, "workflow_id", def.ID, "version", def.Version)
	}
	if w.onLoad != nil {
		w.onLoad(def, err)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
