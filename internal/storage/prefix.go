package storage

import (
	"context"
	"io"
	"strings"
)

// prefixed scopes a Backend to a key prefix so that several vaults can share a bucket.
type prefixed struct {
	Backend
	prefix string
}

// WithPrefix returns a Backend whose keys are transparently placed under prefix.
// An empty prefix returns b unchanged.
func WithPrefix(b Backend, prefix string) Backend {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return b
	}
	return &prefixed{Backend: b, prefix: prefix + "/"}
}

func (p *prefixed) full(key string) string { return p.prefix + key }

func (p *prefixed) strip(key string) string { return strings.TrimPrefix(key, p.prefix) }

func (p *prefixed) stripInfo(info *ObjectInfo) *ObjectInfo {
	if info != nil {
		info.Key = p.strip(info.Key)
	}
	return info
}

func (p *prefixed) List(ctx context.Context, prefix, delimiter, token string, maxKeys int) (*ListPage, error) {
	page, err := p.Backend.List(ctx, p.full(prefix), delimiter, token, maxKeys)
	if err != nil {
		return nil, err
	}
	for i := range page.Objects {
		page.Objects[i].Key = p.strip(page.Objects[i].Key)
	}
	for i, cp := range page.CommonPrefixes {
		page.CommonPrefixes[i] = p.strip(cp)
	}
	return page, nil
}

func (p *prefixed) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	rc, info, err := p.Backend.Get(ctx, p.full(key))
	return rc, p.stripInfo(info), err
}

func (p *prefixed) Put(ctx context.Context, key string, body io.Reader, size int64) (*ObjectInfo, error) {
	info, err := p.Backend.Put(ctx, p.full(key), body, size)
	return p.stripInfo(info), err
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.Backend.Delete(ctx, p.full(key))
}

func (p *prefixed) DeleteMany(ctx context.Context, keys []string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.full(k)
	}
	return p.Backend.DeleteMany(ctx, full)
}

func (p *prefixed) Copy(ctx context.Context, srcKey, dstKey string) error {
	return p.Backend.Copy(ctx, p.full(srcKey), p.full(dstKey))
}

func (p *prefixed) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := p.Backend.Head(ctx, p.full(key))
	return p.stripInfo(info), err
}
