package library

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// watcherDebounceInterval is how often the watcher checks for pending
	// filesystem events to batch rapid writes into a single sync per item.
	watcherDebounceInterval = 500 * time.Millisecond

	// watcherQuietPeriod is how long an item must see no events before it
	// is handed to the change handler.
	watcherQuietPeriod = 300 * time.Millisecond
)

// ChangeHandler receives the ids of attachments whose files changed. It
// runs on the watcher goroutine, so events arriving meanwhile are batched
// for the next call.
type ChangeHandler func(ctx context.Context, ids []string)

// Watcher monitors the storage directory and the manifest. Changed
// attachment files are reported to the handler after they settle; a
// changed manifest is reloaded.
type Watcher struct {
	lib     *Library
	handler ChangeHandler
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	debounce time.Duration
	quiet    time.Duration
}

// NewWatcher creates a watcher for lib.
func NewWatcher(lib *Library, handler ChangeHandler, logger *slog.Logger) *Watcher {
	return &Watcher{
		lib:      lib,
		handler:  handler,
		logger:   logger,
		debounce: watcherDebounceInterval,
		quiet:    watcherQuietPeriod,
	}
}

// Watch blocks until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	storageDir := w.lib.StorageDir()

	if err := os.MkdirAll(storageDir, storageDirPerm); err != nil {
		return fmt.Errorf("creating storage dir: %w", err)
	}

	if err := w.addRecursive(storageDir); err != nil {
		return fmt.Errorf("watching storage dir: %w", err)
	}

	// Watch the manifest's directory: editors replace files by rename,
	// which drops a watch on the file itself.
	manifest := filepath.Clean(w.lib.ManifestPath())
	if err := watcher.Add(filepath.Dir(manifest)); err != nil {
		return fmt.Errorf("watching manifest dir: %w", err)
	}

	w.logger.Info("library watcher started",
		slog.String("storage_dir", storageDir),
		slog.String("manifest", manifest),
	)

	pending := make(map[string]time.Time)
	manifestChanged := time.Time{}

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) == manifest {
				manifestChanged = time.Now()
				continue
			}

			if event.Has(fsnotify.Create) {
				// Lstat so symlinks pointing outside the storage dir are
				// never followed.
				info, err := os.Lstat(event.Name)
				if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
					_ = w.addRecursive(event.Name)
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = watcher.Remove(event.Name)
			}

			if key, ok := w.lib.KeyForPath(event.Name); ok && !w.ignored(event.Name) {
				pending[key] = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()

			if !manifestChanged.IsZero() && now.Sub(manifestChanged) >= w.quiet {
				manifestChanged = time.Time{}

				if err := w.lib.Reload(); err != nil {
					w.logger.Warn("reloading manifest", slog.String("error", err.Error()))
				} else {
					w.logger.Info("manifest reloaded")
				}
			}

			var ids []string

			for key, t := range pending {
				if now.Sub(t) < w.quiet {
					continue
				}

				delete(pending, key)

				if id, ok := w.lib.IDForKey(key); ok {
					ids = append(ids, id)
				}
			}

			if len(ids) > 0 {
				sort.Strings(ids)
				w.handler(ctx, ids)
			}
		}
	}
}

// ignored skips hidden files and the temp files written during atomic
// replaces.
func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp")
}

// addRecursive watches dir and every non-hidden directory below it.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // skip unreadable entries
		}

		if !d.IsDir() {
			return nil
		}

		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}
