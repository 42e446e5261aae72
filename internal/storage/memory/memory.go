// Package memory provides an in-process storage backend for development and tests.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/notevault/notevault/internal/storage"
)

type object struct {
	data []byte
	info storage.ObjectInfo
}

// Backend keeps objects in a concurrent map. ETags are content MD5s, as S3 computes them
// for single-part uploads.
type Backend struct {
	objects *xsync.Map[string, object]

	mu       sync.Mutex
	failures map[string]error
	now      func() time.Time
}

// New creates an empty memory backend.
func New() *Backend {
	return &Backend{
		objects:  xsync.NewMap[string, object](),
		failures: make(map[string]error),
		now:      time.Now,
	}
}

// SetClock overrides the clock used for LastModified.
func (b *Backend) SetClock(now func() time.Time) {
	b.now = now
}

// FailOn makes the named operation ("list", "get", "put", "delete", "copy", "head")
// return err until cleared with a nil err.
func (b *Backend) FailOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

func (b *Backend) fail(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[op]
}

// Keys returns every stored key.
func (b *Backend) Keys() []string {
	var keys []string
	b.objects.Range(func(k string, _ object) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

func (b *Backend) List(_ context.Context, prefix, delimiter, token string, maxKeys int) (*storage.ListPage, error) {
	if err := b.fail("list"); err != nil {
		return nil, err
	}
	var all []storage.ObjectInfo
	b.objects.Range(func(k string, o object) bool {
		if strings.HasPrefix(k, prefix) {
			all = append(all, o.info)
		}
		return true
	})
	return storage.Paginate(all, prefix, delimiter, token, maxKeys), nil
}

func (b *Backend) Get(_ context.Context, key string) (io.ReadCloser, *storage.ObjectInfo, error) {
	if err := b.fail("get"); err != nil {
		return nil, nil, err
	}
	o, ok := b.objects.Load(key)
	if !ok {
		return nil, nil, fmt.Errorf("get %s: %w", key, storage.ErrNotFound)
	}
	info := o.info
	return io.NopCloser(bytes.NewReader(o.data)), &info, nil
}

func (b *Backend) Put(_ context.Context, key string, body io.Reader, size int64) (*storage.ObjectInfo, error) {
	if err := b.fail("put"); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body for %s: %w", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, fmt.Errorf("put %s: got %d bytes, expected %d", key, len(data), size)
	}
	sum := md5.Sum(data)
	o := object{
		data: data,
		info: storage.ObjectInfo{
			Key:          key,
			ETag:         hex.EncodeToString(sum[:]),
			Size:         int64(len(data)),
			LastModified: b.now().UTC(),
		},
	}
	b.objects.Store(key, o)
	info := o.info
	return &info, nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	if err := b.fail("delete"); err != nil {
		return err
	}
	b.objects.Delete(key)
	return nil
}

func (b *Backend) DeleteMany(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := b.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Copy(_ context.Context, srcKey, dstKey string) error {
	if err := b.fail("copy"); err != nil {
		return err
	}
	o, ok := b.objects.Load(srcKey)
	if !ok {
		return fmt.Errorf("copy %s: %w", srcKey, storage.ErrNotFound)
	}
	o.info.Key = dstKey
	o.info.LastModified = b.now().UTC()
	b.objects.Store(dstKey, o)
	return nil
}

func (b *Backend) Head(_ context.Context, key string) (*storage.ObjectInfo, error) {
	if err := b.fail("head"); err != nil {
		return nil, err
	}
	o, ok := b.objects.Load(key)
	if !ok {
		return nil, fmt.Errorf("head %s: %w", key, storage.ErrNotFound)
	}
	info := o.info
	return &info, nil
}

// Type returns "memory".
func (b *Backend) Type() string { return "memory" }

// Close is a no-op.
func (b *Backend) Close() error { return nil }
