// Package manifest builds, stores and incrementally updates the vault tree manifest.
package manifest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/internal/metrics"
	"github.com/notevault/notevault/internal/storage"
	"github.com/notevault/notevault/pkg/models"
	"github.com/notevault/notevault/pkg/tree"
)

// Builder rebuilds the manifest from a full scan of the object store.
type Builder struct {
	backend     storage.Backend
	extension   string
	manifestKey string
	pageSize    int
	now         func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithExtension sets the file extension that is indexed (default ".md").
func WithExtension(ext string) BuilderOption {
	return func(b *Builder) { b.extension = strings.ToLower(ext) }
}

// WithManifestKey sets the key of the canonical manifest object, which is never indexed.
func WithManifestKey(key string) BuilderOption {
	return func(b *Builder) { b.manifestKey = key }
}

// WithPageSize sets the listing page size.
func WithPageSize(n int) BuilderOption {
	return func(b *Builder) { b.pageSize = n }
}

// WithClock overrides the clock used for generatedAt.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a Builder over backend.
func NewBuilder(backend storage.Backend, opts ...BuilderOption) *Builder {
	b := &Builder{
		backend:     backend,
		extension:   ".md",
		manifestKey: DefaultManifestKey,
		pageSize:    1000,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Indexed reports whether key is a file the manifest tracks.
func (b *Builder) Indexed(key string) bool {
	if key == b.manifestKey || strings.HasSuffix(key, "/") {
		return false
	}
	return strings.HasSuffix(strings.ToLower(key), b.extension)
}

// Build scans the object store breadth first, one delimited level at a time, and returns
// a sealed manifest. The result depends only on the store's contents and the clock.
func (b *Builder) Build(ctx context.Context) (*models.Manifest, error) {
	start := time.Now()

	a := tree.NewArena()
	visited := map[string]bool{"": true}
	queue := []string{""}
	listings := 0

	for len(queue) > 0 {
		prefix := queue[0]
		queue = queue[1:]

		token := ""
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			page, err := b.backend.List(ctx, prefix, "/", token, b.pageSize)
			if err != nil {
				return nil, fmt.Errorf("list %q: %w", prefix, err)
			}
			listings++

			for _, cp := range page.CommonPrefixes {
				if visited[cp] || !b.under(prefix, cp) {
					continue
				}
				if id, err := models.FolderID(cp); err != nil || id != cp {
					logging.Debug("skipping unnormalized prefix", zap.String("prefix", cp))
					continue
				}
				visited[cp] = true
				a.Insert(models.NewFolderNode(cp))
				queue = append(queue, cp)
			}

			for _, obj := range page.Objects {
				if !b.Indexed(obj.Key) || !b.under(prefix, obj.Key) {
					continue
				}
				if id, err := models.FileID(obj.Key); err != nil || id != obj.Key {
					logging.Debug("skipping unnormalized key", zap.String("key", obj.Key))
					continue
				}
				a.Insert(models.NewFileNode(obj.Key, obj.ETag, obj.Size, obj.LastModified))
			}

			if page.NextToken == "" || page.NextToken == token {
				break
			}
			token = page.NextToken
		}
	}

	m, err := a.Seal(b.now())
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	metrics.RecordManifestBuild(elapsed)
	metrics.SetManifestNodes(len(m.Nodes))
	logging.Info("manifest built",
		zap.Int("nodes", len(m.Nodes)),
		zap.Int("listings", listings),
		zap.Duration("duration", elapsed),
		zap.String("checksum", m.Metadata.Checksum))

	return m, nil
}

// under reports whether key sits one level below prefix, guarding against listings that
// return keys outside the requested prefix.
func (b *Builder) under(prefix, key string) bool {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok || rest == "" {
		return false
	}
	i := strings.Index(rest, "/")
	return i < 0 || i == len(rest)-1
}
