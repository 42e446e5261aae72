// Package content caches note bodies and their object metadata in the distributed cache.
package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/cache"
	"github.com/notevault/notevault/internal/events"
	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/internal/metrics"
	"github.com/notevault/notevault/internal/storage"
	"github.com/notevault/notevault/pkg/models"
)

// ErrConflict is matched by every *ConflictError.
var ErrConflict = errors.New("content conflict")

// ConflictError reports an If-Match precondition that did not hold.
type ConflictError struct {
	Path     string
	Expected string
	// Actual is empty when the object does not exist.
	Actual string
}

func (e *ConflictError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("conflict on %s: expected etag %q, object does not exist", e.Path, e.Expected)
	}
	return fmt.Sprintf("conflict on %s: expected etag %q, current is %q", e.Path, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Meta is the cached object metadata of one file.
type Meta struct {
	Path         string    `json:"path"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Entry is a file body with its metadata.
type Entry struct {
	Meta
	Body []byte
}

func contentKey(path string) string { return "content:" + path }
func metaKey(path string) string    { return "meta:" + path }

// Cache serves file bodies from the distributed cache and writes through to the object
// store. Entries have no TTL; every write, delete and move drops them and raises the
// file's tag.
type Cache struct {
	cache       cache.Cache
	backend     storage.Backend
	invalidator events.Invalidator
}

// New creates a content cache. A nil invalidator discards tags.
func New(c cache.Cache, backend storage.Backend, inv events.Invalidator) *Cache {
	if inv == nil {
		inv = events.Nop{}
	}
	return &Cache{cache: c, backend: backend, invalidator: inv}
}

// Get returns the body of key. hit reports whether it came from the cache.
// A missing object yields an error matching storage.ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	path, err := models.FileID(key)
	if err != nil {
		return nil, false, err
	}

	if e, ok := c.cached(ctx, path); ok {
		metrics.RecordCacheLookup("content", true)
		metrics.RecordContentDownload(e.Size)
		return e, true, nil
	}
	metrics.RecordCacheLookup("content", false)

	body, info, err := storage.ReadAll(ctx, c.backend, path)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	e := &Entry{
		Meta: Meta{
			Path:         path,
			ETag:         models.StripETag(info.ETag),
			Size:         int64(len(body)),
			LastModified: models.NormalizeTime(info.LastModified),
		},
		Body: body,
	}
	c.fill(ctx, e)
	metrics.RecordContentDownload(e.Size)
	return e, false, nil
}

func (c *Cache) cached(ctx context.Context, path string) (*Entry, bool) {
	raw, err := c.cache.Get(ctx, metaKey(path))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logging.Warn("content meta read failed", zap.String("path", path), zap.Error(err))
		}
		return nil, false
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		logging.Warn("cached content meta is malformed", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	body, err := c.cache.Get(ctx, contentKey(path))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logging.Warn("content read failed", zap.String("path", path), zap.Error(err))
		}
		return nil, false
	}
	if int64(len(body)) != meta.Size {
		return nil, false
	}
	return &Entry{Meta: meta, Body: body}, true
}

func (c *Cache) fill(ctx context.Context, e *Entry) {
	raw, err := json.Marshal(e.Meta)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, contentKey(e.Path), e.Body, 0); err != nil {
		logging.Warn("content cache write failed", zap.String("path", e.Path), zap.Error(err))
		return
	}
	if err := c.cache.Set(ctx, metaKey(e.Path), raw, 0); err != nil {
		logging.Warn("content meta cache write failed", zap.String("path", e.Path), zap.Error(err))
	}
}

// Stat returns the metadata of key, from the cache when present.
func (c *Cache) Stat(ctx context.Context, key string) (*Meta, error) {
	path, err := models.FileID(key)
	if err != nil {
		return nil, err
	}
	if raw, err := c.cache.Get(ctx, metaKey(path)); err == nil {
		var meta Meta
		if json.Unmarshal(raw, &meta) == nil {
			return &meta, nil
		}
	}
	info, err := c.backend.Head(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &Meta{
		Path:         path,
		ETag:         models.StripETag(info.ETag),
		Size:         info.Size,
		LastModified: models.NormalizeTime(info.LastModified),
	}, nil
}

// checkMatch enforces an If-Match precondition against the stored object.
// An empty ifMatch always passes; "*" only requires the object to exist.
func (c *Cache) checkMatch(ctx context.Context, path, ifMatch string) error {
	if ifMatch == "" {
		return nil
	}
	info, err := c.backend.Head(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		return &ConflictError{Path: path, Expected: models.StripETag(ifMatch)}
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if strings.TrimSpace(ifMatch) == "*" {
		return nil
	}
	want := models.StripETag(ifMatch)
	if got := models.StripETag(info.ETag); got != want {
		return &ConflictError{Path: path, Expected: want, Actual: got}
	}
	return nil
}

// Write stores body at key. When ifMatch is set the current etag must equal it,
// otherwise a *ConflictError is returned and nothing is written.
func (c *Cache) Write(ctx context.Context, key string, body []byte, ifMatch string) (*storage.ObjectInfo, error) {
	path, err := models.FileID(key)
	if err != nil {
		return nil, err
	}
	if err := c.checkMatch(ctx, path, ifMatch); err != nil {
		return nil, err
	}

	info, err := c.backend.Put(ctx, path, bytes.NewReader(body), int64(len(body)))
	metrics.RecordContentUpload(int64(len(body)), err == nil)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	c.Invalidate(ctx, path)
	return info, nil
}

// Delete removes key, subject to ifMatch like Write.
func (c *Cache) Delete(ctx context.Context, key, ifMatch string) error {
	path, err := models.FileID(key)
	if err != nil {
		return err
	}
	if err := c.checkMatch(ctx, path, ifMatch); err != nil {
		return err
	}
	if err := c.backend.Delete(ctx, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	c.Invalidate(ctx, path)
	return nil
}

// Move copies from to to and removes from. If the copy succeeds but the source cannot be
// removed, the move is reported as failed and both paths are invalidated.
func (c *Cache) Move(ctx context.Context, from, to string) error {
	src, err := models.FileID(from)
	if err != nil {
		return err
	}
	dst, err := models.FileID(to)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if err := c.backend.Copy(ctx, src, dst); err != nil {
		return fmt.Errorf("move %s: %w", src, err)
	}
	defer c.Invalidate(ctx, src, dst)
	if err := c.backend.Delete(ctx, src); err != nil {
		return fmt.Errorf("move %s: remove source: %w", src, err)
	}
	return nil
}

// CreateFolder writes the zero-byte marker object for prefix.
func (c *Cache) CreateFolder(ctx context.Context, prefix string) (string, error) {
	id, err := models.FolderID(prefix)
	if err != nil {
		return "", err
	}
	if _, err := c.backend.Put(ctx, id, bytes.NewReader(nil), 0); err != nil {
		return "", fmt.Errorf("create folder %s: %w", id, err)
	}
	return id, nil
}

// DeleteFolder removes every object under prefix, including its marker, and returns the
// removed keys.
func (c *Cache) DeleteFolder(ctx context.Context, prefix string) ([]string, error) {
	id, err := models.FolderID(prefix)
	if err != nil {
		return nil, err
	}
	objects, _, err := storage.ListAll(ctx, c.backend, id, "", 1000)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", id, err)
	}
	keys := make([]string, 0, len(objects)+1)
	hasMarker := false
	for _, o := range objects {
		keys = append(keys, o.Key)
		hasMarker = hasMarker || o.Key == id
	}
	if !hasMarker {
		keys = append(keys, id)
	}
	if err := c.backend.DeleteMany(ctx, keys); err != nil {
		return nil, fmt.Errorf("delete folder %s: %w", id, err)
	}
	c.Invalidate(ctx, fileKeys(keys)...)
	return keys, nil
}

// MoveFolder copies every object under oldPrefix to newPrefix, then removes the
// originals. It returns the destination keys.
func (c *Cache) MoveFolder(ctx context.Context, oldPrefix, newPrefix string) ([]string, error) {
	oldID, err := models.FolderID(oldPrefix)
	if err != nil {
		return nil, err
	}
	newID, err := models.FolderID(newPrefix)
	if err != nil {
		return nil, err
	}
	if oldID == newID {
		return nil, nil
	}
	if strings.HasPrefix(newID, oldID) {
		return nil, fmt.Errorf("move %s into %s: destination is inside the source", oldID, newID)
	}

	objects, _, err := storage.ListAll(ctx, c.backend, oldID, "", 1000)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", oldID, err)
	}
	src := make([]string, 0, len(objects))
	dst := make([]string, 0, len(objects))
	for _, o := range objects {
		to, _ := models.Rebase(o.Key, oldID, newID)
		if err := c.backend.Copy(ctx, o.Key, to); err != nil {
			return nil, fmt.Errorf("move %s: %w", o.Key, err)
		}
		src = append(src, o.Key)
		dst = append(dst, to)
	}
	defer c.Invalidate(ctx, append(fileKeys(src), fileKeys(dst)...)...)

	if err := c.backend.DeleteMany(ctx, src); err != nil {
		return dst, fmt.Errorf("move %s: remove sources: %w", oldID, err)
	}
	return dst, nil
}

// Invalidate drops the cached entries of the given file paths and raises their tags.
func (c *Cache) Invalidate(ctx context.Context, paths ...string) {
	tags := make([]string, 0, len(paths))
	for _, p := range paths {
		for _, k := range []string{contentKey(p), metaKey(p)} {
			if err := c.cache.Delete(ctx, k); err != nil {
				logging.Warn("content cache delete failed", zap.String("key", k), zap.Error(err))
			}
		}
		tags = append(tags, events.FileTag(p))
	}
	if len(tags) > 0 {
		c.invalidator.Invalidate(tags...)
	}
}

func fileKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !models.IsFolderID(k) {
			out = append(out, k)
		}
	}
	return out
}
