// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/notevault/notevault/internal/metrics"
	"github.com/notevault/notevault/internal/storage"
)

const tempPattern = ".notevault-*.tmp"

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// LocalBackend implements storage.Backend using the local filesystem.
// Folder marker keys ("a/b/") map to directories.
type LocalBackend struct {
	rootPath string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &LocalBackend{rootPath: cfg.RootPath}, nil
}

// Root returns the directory the backend serves.
func (b *LocalBackend) Root() string { return b.rootPath }

func (b *LocalBackend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(strings.TrimSuffix(key, "/")))
}

// KeyFor maps an absolute filesystem path back to its object key.
func (b *LocalBackend) KeyFor(p string, isDir bool) (string, bool) {
	rel, err := filepath.Rel(b.rootPath, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	key := filepath.ToSlash(rel)
	if isDir {
		key += "/"
	}
	return key, true
}

// etag derives a validator from modification time and size.
func etag(info fs.FileInfo) string {
	return strconv.FormatInt(info.ModTime().UnixNano(), 16) + "-" + strconv.FormatInt(info.Size(), 16)
}

func objectInfo(key string, info fs.FileInfo) storage.ObjectInfo {
	if info.IsDir() {
		return storage.ObjectInfo{Key: key, LastModified: info.ModTime().UTC()}
	}
	return storage.ObjectInfo{
		Key:          key,
		ETag:         etag(info),
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
	}
}

// IsTemp reports whether name is one of the backend's in-flight write files.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, ".notevault-") && strings.HasSuffix(name, ".tmp")
}

func (b *LocalBackend) record(op string, start time.Time, err error) {
	metrics.RecordObjectStoreOperation("local", op, time.Since(start), err == nil)
}

// List reads the directory named by prefix. With the "/" delimiter only one level is read;
// otherwise the subtree is walked.
func (b *LocalBackend) List(_ context.Context, prefix, delimiter, token string, maxKeys int) (page *storage.ListPage, err error) {
	start := time.Now()
	defer func() { b.record("list", start, err) }()

	dirKey := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dirKey = prefix[:i+1]
	}

	var objects []storage.ObjectInfo
	if delimiter == "/" {
		entries, err := os.ReadDir(b.fullPath(dirKey))
		if err != nil {
			if os.IsNotExist(err) {
				return &storage.ListPage{}, nil
			}
			return nil, fmt.Errorf("read dir %s: %w", dirKey, err)
		}
		for _, e := range entries {
			if IsTemp(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			key := dirKey + e.Name()
			if e.IsDir() {
				// Directories are folder markers; Paginate rolls them up into common prefixes.
				objects = append(objects, storage.ObjectInfo{Key: key + "/"})
				continue
			}
			objects = append(objects, objectInfo(key, info))
		}
		page := storage.Paginate(objects, prefix, delimiter, token, maxKeys)
		return page, nil
	}

	root := b.fullPath(dirKey)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return fs.SkipAll
			}
			return walkErr
		}
		if p == root || IsTemp(d.Name()) {
			return nil
		}
		key, ok := b.KeyFor(p, d.IsDir())
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		objects = append(objects, objectInfo(key, info))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dirKey, err)
	}
	return storage.Paginate(objects, prefix, delimiter, token, maxKeys), nil
}

// Get opens a file.
func (b *LocalBackend) Get(_ context.Context, key string) (rc io.ReadCloser, oi *storage.ObjectInfo, err error) {
	start := time.Now()
	defer func() { b.record("get", start, err) }()

	if strings.HasSuffix(key, "/") {
		return nil, nil, fmt.Errorf("get %s: %w", key, storage.ErrNotFound)
	}
	f, err := os.Open(b.fullPath(key))
	if err != nil {
		return nil, nil, wrapNotExist("open", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("get %s: %w", key, storage.ErrNotFound)
	}
	o := objectInfo(key, info)
	metrics.RecordContentDownload(info.Size())
	return f, &o, nil
}

// Put writes content atomically via a temp file and rename. A folder key creates the directory.
func (b *LocalBackend) Put(_ context.Context, key string, body io.Reader, size int64) (oi *storage.ObjectInfo, err error) {
	start := time.Now()
	defer func() { b.record("put", start, err) }()

	p := b.fullPath(key)
	if strings.HasSuffix(key, "/") {
		if err := os.MkdirAll(p, 0755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", key, err)
		}
		return b.stat(key)
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create dirs for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("close temp for %s: %w", key, err)
	}
	if size >= 0 && n != size {
		os.Remove(tmpName)
		return nil, fmt.Errorf("write %s: wrote %d bytes, expected %d", key, n, size)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("rename temp to %s: %w", key, err)
	}

	metrics.RecordContentUpload(n, true)
	return b.stat(key)
}

// Delete removes a file, or a directory when it is empty.
func (b *LocalBackend) Delete(_ context.Context, key string) (err error) {
	start := time.Now()
	defer func() { b.record("delete", start, err) }()
	return b.remove(key)
}

func (b *LocalBackend) remove(key string) error {
	p := b.fullPath(key)
	if strings.HasSuffix(key, "/") {
		entries, err := os.ReadDir(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("read dir %s: %w", key, err)
		}
		if len(entries) > 0 {
			return nil
		}
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeleteMany removes keys deepest first so that directories are empty when reached.
func (b *LocalBackend) DeleteMany(_ context.Context, keys []string) (err error) {
	start := time.Now()
	defer func() { b.record("delete_many", start, err) }()

	sorted := append([]string(nil), keys...)
	sortDeepestFirst(sorted)
	var errs []error
	for _, k := range sorted {
		if err := b.remove(k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortDeepestFirst(keys []string) {
	depth := func(k string) int { return strings.Count(strings.TrimSuffix(k, "/"), "/") }
	sort.SliceStable(keys, func(i, j int) bool { return depth(keys[i]) > depth(keys[j]) })
}

// Copy copies a file atomically. Copying a folder key creates the destination directory.
func (b *LocalBackend) Copy(_ context.Context, srcKey, dstKey string) (err error) {
	start := time.Now()
	defer func() { b.record("copy", start, err) }()

	if strings.HasSuffix(srcKey, "/") {
		if err := os.MkdirAll(b.fullPath(dstKey), 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dstKey, err)
		}
		return nil
	}

	src, err := os.Open(b.fullPath(srcKey))
	if err != nil {
		return wrapNotExist("open src", srcKey, err)
	}
	defer src.Close()

	dstPath := b.fullPath(dstKey)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", dstKey, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dstPath), tempPattern)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", dstKey, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", dstKey, err)
	}
	if err := os.Rename(tmpName, dstPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", dstKey, err)
	}
	return nil
}

// Head stats a file or directory.
func (b *LocalBackend) Head(_ context.Context, key string) (oi *storage.ObjectInfo, err error) {
	start := time.Now()
	defer func() { b.record("head", start, err) }()
	return b.stat(key)
}

func (b *LocalBackend) stat(key string) (*storage.ObjectInfo, error) {
	info, err := os.Stat(b.fullPath(key))
	if err != nil {
		return nil, wrapNotExist("stat", key, err)
	}
	if info.IsDir() != strings.HasSuffix(key, "/") {
		return nil, fmt.Errorf("stat %s: %w", key, storage.ErrNotFound)
	}
	o := objectInfo(key, info)
	return &o, nil
}

func wrapNotExist(op, key string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%s %s: %w", op, key, storage.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }
