package manifest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/internal/metrics"
	"github.com/notevault/notevault/internal/storage"
	"github.com/notevault/notevault/pkg/models"
	"github.com/notevault/notevault/pkg/tree"
)

// Updater applies single structural edits to the latest manifest without rescanning the
// object store: load, transform, persist.
//
// Calls through one Updater are serialized. Nothing coordinates separate processes, so
// two servers updating at once lose one of the edits (last write wins).
type Updater struct {
	store   *Store
	backend storage.Backend
	now     func() time.Time

	mu sync.Mutex
}

// NewUpdater creates an Updater. backend is used to re-stat moved files.
func NewUpdater(store *Store, backend storage.Backend) *Updater {
	return &Updater{store: store, backend: backend, now: time.Now}
}

// SetClock overrides the clock used for generatedAt.
func (u *Updater) SetClock(now func() time.Time) {
	u.now = now
}

type transform func(m *models.Manifest, now time.Time) (*models.Manifest, bool, error)

func (u *Updater) apply(ctx context.Context, op string, fn transform) (*models.Manifest, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	m, _, err := u.store.LoadLatest(ctx)
	if err != nil {
		metrics.RecordManifestUpdate(op, false)
		return nil, fmt.Errorf("incremental update: %w", err)
	}

	out, changed, err := fn(m, u.now())
	if err != nil {
		metrics.RecordManifestUpdate(op, false)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !changed {
		return m, nil
	}

	if err := u.store.Persist(ctx, out); err != nil {
		metrics.RecordManifestUpdate(op, false)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	metrics.RecordManifestUpdate(op, true)
	return out, nil
}

// AddOrUpdateFile inserts or refreshes a file node, creating missing ancestor folders.
func (u *Updater) AddOrUpdateFile(ctx context.Context, key, etag string, lastModified time.Time, size int64) (*models.Manifest, error) {
	f := tree.File{Key: key, ETag: etag, Size: size, LastModified: lastModified}
	return u.apply(ctx, "add_file", func(m *models.Manifest, now time.Time) (*models.Manifest, bool, error) {
		return tree.AddOrUpdateFile(m, f, now)
	})
}

// AddFolder inserts an empty folder; a no-op when it exists.
func (u *Updater) AddFolder(ctx context.Context, prefix string) (*models.Manifest, error) {
	return u.apply(ctx, "add_folder", func(m *models.Manifest, now time.Time) (*models.Manifest, bool, error) {
		return tree.AddFolder(m, prefix, now)
	})
}

// DeleteFile removes a file node; a no-op when it is absent.
func (u *Updater) DeleteFile(ctx context.Context, key string) (*models.Manifest, error) {
	return u.apply(ctx, "delete_file", func(m *models.Manifest, now time.Time) (*models.Manifest, bool, error) {
		return tree.DeleteFile(m, key, now)
	})
}

// DeleteFolder removes a folder and everything below it.
func (u *Updater) DeleteFolder(ctx context.Context, prefix string) (*models.Manifest, error) {
	return u.apply(ctx, "delete_folder", func(m *models.Manifest, now time.Time) (*models.Manifest, bool, error) {
		return tree.DeleteFolder(m, prefix, now)
	})
}

// MoveFile relinks a file under its new key. The destination is re-stat'ed for fresh
// metadata; if that fails the move still completes with the old metadata.
func (u *Updater) MoveFile(ctx context.Context, oldKey, newKey string) (*models.Manifest, error) {
	var stat *tree.File
	info, err := u.backend.Head(ctx, newKey)
	if err == nil {
		stat = &tree.File{Key: info.Key, ETag: info.ETag, Size: info.Size, LastModified: info.LastModified}
	} else {
		metrics.RecordPartialMove()
		logging.Warn("move: destination stat failed, keeping stale metadata",
			zap.String("from", oldKey),
			zap.String("to", newKey),
			zap.Error(err))
	}
	return u.apply(ctx, "move_file", func(m *models.Manifest, now time.Time) (*models.Manifest, bool, error) {
		return tree.MoveFile(m, oldKey, newKey, stat, now)
	})
}

// MoveFolder rewrites a folder subtree under a new prefix.
func (u *Updater) MoveFolder(ctx context.Context, oldPrefix, newPrefix string) (*models.Manifest, error) {
	return u.apply(ctx, "move_folder", func(m *models.Manifest, now time.Time) (*models.Manifest, bool, error) {
		return tree.MoveFolder(m, oldPrefix, newPrefix, now)
	})
}
