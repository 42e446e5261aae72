// Package watcher feeds edits made directly in a local vault directory into the manifest.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/internal/metrics"
	"github.com/notevault/notevault/internal/storage/local"
	"github.com/notevault/notevault/pkg/models"
)

// Updater is the subset of the manifest updater the watcher drives.
type Updater interface {
	AddOrUpdateFile(ctx context.Context, key, etag string, lastModified time.Time, size int64) (*models.Manifest, error)
	AddFolder(ctx context.Context, prefix string) (*models.Manifest, error)
	DeleteFile(ctx context.Context, key string) (*models.Manifest, error)
	DeleteFolder(ctx context.Context, prefix string) (*models.Manifest, error)
}

// Watcher watches the backend's root directory recursively.
type Watcher struct {
	backend *local.LocalBackend
	updater Updater
	indexed func(key string) bool
	// onChange is called with every file key whose content may have changed.
	onChange func(ctx context.Context, keys ...string)

	log     *zap.Logger
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	dirs    map[string]bool
	closed  bool
}

// New creates a watcher. indexed decides which file keys belong in the manifest;
// onChange may be nil.
func New(backend *local.LocalBackend, u Updater, indexed func(string) bool, onChange func(ctx context.Context, keys ...string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if onChange == nil {
		onChange = func(context.Context, ...string) {}
	}
	return &Watcher{
		backend:  backend,
		updater:  u,
		indexed:  indexed,
		onChange: onChange,
		log:      logging.Named("watcher"),
		watcher:  fsw,
		dirs:     make(map[string]bool),
	}, nil
}

// Start adds watches for the root and every directory below it.
func (w *Watcher) Start() error {
	return w.watchTree(w.backend.Root())
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // skip unreadable entries
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			return w.addWatch(p)
		}
		return nil
	})
}

func (w *Watcher) addWatch(p string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.dirs[p] {
		return nil
	}
	if err := w.watcher.Add(p); err != nil {
		w.log.Warn("failed to add watch", zap.String("path", p), zap.Error(err))
		return err
	}
	w.dirs[p] = true
	return nil
}

// forgetTree drops the bookkeeping for p and everything below it and reports whether p
// was a watched directory.
func (w *Watcher) forgetTree(p string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := w.dirs[p]
	prefix := p + string(filepath.Separator)
	for d := range w.dirs {
		if d == p || strings.HasPrefix(d, prefix) {
			_ = w.watcher.Remove(d)
			delete(w.dirs, d)
		}
	}
	return was
}

// Run processes events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("fsnotify error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if local.IsTemp(filepath.Base(ev.Name)) {
		return
	}
	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.handleUpsert(ctx, ev.Name)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// The new name of a rename arrives as its own create.
		w.handleRemove(ctx, ev.Name)
	}
}

func (w *Watcher) handleUpsert(ctx context.Context, p string) {
	info, err := os.Lstat(p)
	if err != nil || info.Mode()&fs.ModeSymlink != 0 {
		return
	}

	if info.IsDir() {
		metrics.RecordWatcherEvent("folder_create")
		_ = w.watchTree(p)
		key, ok := w.backend.KeyFor(p, true)
		if !ok {
			return
		}
		if _, err := w.updater.AddFolder(ctx, key); err != nil {
			w.log.Warn("add folder failed", zap.String("key", key), zap.Error(err))
		}
		// Files written before the watch was in place produce no events of their own.
		_ = filepath.WalkDir(p, func(sub string, d fs.DirEntry, walkErr error) error {
			if walkErr == nil && sub != p {
				if d.IsDir() {
					if k, ok := w.backend.KeyFor(sub, true); ok {
						_, _ = w.updater.AddFolder(ctx, k)
					}
				} else {
					w.upsertFile(ctx, sub)
				}
			}
			return nil
		})
		return
	}
	w.upsertFile(ctx, p)
}

func (w *Watcher) upsertFile(ctx context.Context, p string) {
	key, ok := w.backend.KeyFor(p, false)
	if !ok || local.IsTemp(filepath.Base(p)) {
		return
	}
	w.onChange(ctx, key)
	if !w.indexed(key) {
		return
	}
	info, err := w.backend.Head(ctx, key)
	if err != nil {
		return
	}
	metrics.RecordWatcherEvent("file_upsert")
	if _, err := w.updater.AddOrUpdateFile(ctx, key, info.ETag, info.LastModified, info.Size); err != nil {
		w.log.Warn("update failed", zap.String("key", key), zap.Error(err))
	}
}

func (w *Watcher) handleRemove(ctx context.Context, p string) {
	if w.forgetTree(p) {
		key, ok := w.backend.KeyFor(p, true)
		if !ok {
			return
		}
		metrics.RecordWatcherEvent("folder_remove")
		if _, err := w.updater.DeleteFolder(ctx, key); err != nil {
			w.log.Warn("delete folder failed", zap.String("key", key), zap.Error(err))
		}
		return
	}

	key, ok := w.backend.KeyFor(p, false)
	if !ok {
		return
	}
	w.onChange(ctx, key)
	if !w.indexed(key) {
		return
	}
	metrics.RecordWatcherEvent("file_remove")
	if _, err := w.updater.DeleteFile(ctx, key); err != nil {
		w.log.Warn("delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Close stops the underlying fsnotify watcher; Run returns afterwards.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.watcher.Close()
}
