package schema

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc receives a definition file that was created or rewritten.
type ChangeFunc func(ctx context.Context, def *Definition) error

// Watcher reloads definition files from a directory when they change.
// Events for the same file inside the debounce window are coalesced.
type Watcher struct {
	dir      string
	onChange ChangeFunc
	debounce time.Duration
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
}

func NewWatcher(dir string, onChange ChangeFunc, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		debounce: 200 * time.Millisecond,
		logger:   logger.With("component", "schema-watcher"),
		watcher:  w,
	}, nil
}

// Run blocks until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	pending := make(map[string]struct{})
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Close()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !IsDefinitionFile(event.Name) || !(event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
				continue
			}
			pending[event.Name] = struct{}{}
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "dir", w.dir, "error", err)
		case <-timer.C:
			for path := range pending {
				w.reload(ctx, path)
			}
			pending = make(map[string]struct{})
		}
	}
}

func (w *Watcher) reload(ctx context.Context, path string) {
	def, err := LoadFile(path)
	if err != nil {
		w.logger.Warn("reload definition failed", "file", filepath.Base(path), "error", err)
		return
	}
	if err := w.onChange(ctx, def); err != nil {
		w.logger.Error("apply definition failed", "name", def.Name, "error", err)
		return
	}
	w.logger.Info("definition reloaded", "name", def.Name, "file", filepath.Base(path))
}

func (w *Watcher) Close() {
	w.stopOnce.Do(func() {
		_ = w.watcher.Close()
	})
}
