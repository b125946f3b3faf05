// Package watch observes the project tree and emits debounced batches of
// changed file paths.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Gate filters which paths are worth reporting. Satisfied by *guard.Guard.
type Gate interface {
	IsAllowed(path string) bool
}

// Watcher emits batches of changed project files.
type Watcher struct {
	root     string
	gate     Gate
	debounce time.Duration
	logger   *slog.Logger
	events   chan []string
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the batching window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New creates a Watcher for the project root.
func New(root string, gate Gate, logger *slog.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		root:     root,
		gate:     gate,
		debounce: defaultDebounce,
		logger:   logger.With("component", "watch"),
		events:   make(chan []string, 16),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Events returns the channel of changed-file batches.
func (w *Watcher) Events() <-chan []string {
	return w.events
}

// Start begins watching. It returns once the watcher is registered; delivery
// runs on a background goroutine until the context is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := w.addRecursive(fsw, w.root); err != nil {
		_ = fsw.Close()
		return err
	}

	go w.run(ctx, fsw)
	return nil
}

// addRecursive registers every allowed directory under root. fsnotify has no
// recursive mode, so each directory is added individually.
func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && !w.gate.IsAllowed(path) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.logger.Warn("watch add failed", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	pending := make(map[string]struct{})
	var flush <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !w.gate.IsAllowed(ev.Name) {
				continue
			}
			// New directories need their own watch.
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(fsw, ev.Name); err != nil {
						w.logger.Warn("watch add failed", "path", ev.Name, "error", err)
					}
					continue
				}
			}
			pending[ev.Name] = struct{}{}
			if flush == nil {
				flush = time.After(w.debounce)
			}

		case <-flush:
			batch := make([]string, 0, len(pending))
			for path := range pending {
				batch = append(batch, path)
			}
			pending = make(map[string]struct{})
			flush = nil

			select {
			case w.events <- batch:
			default:
				w.logger.Warn("change batch dropped, consumer too slow", "count", len(batch))
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}
