package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/cache"
	"github.com/notevault/notevault/internal/events"
	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/internal/metrics"
	"github.com/notevault/notevault/internal/storage"
	"github.com/notevault/notevault/pkg/models"
)

const (
	// DefaultManifestKey is the object holding the canonical manifest.
	DefaultManifestKey = "_manifest.json"
	// CacheKey is the distributed cache key of the latest manifest.
	CacheKey = "manifest:latest"
)

// ErrNoManifest means no valid manifest could be obtained from any tier.
var ErrNoManifest = errors.New("no manifest available")

// Source tells where LoadLatest found the manifest.
type Source string

const (
	SourceCache       Source = "cache"
	SourceObjectStore Source = "object-store"
)

// envelope is the cached form of a manifest.
type envelope struct {
	Body      json.RawMessage `json:"body"`
	Validator string          `json:"validator"`
	Metadata  models.Metadata `json:"metadata"`
	StoredAt  time.Time       `json:"storedAt"`
}

// Store reads and publishes the manifest: distributed cache first, object store as the
// durable copy.
type Store struct {
	cache       cache.Cache
	backend     storage.Backend
	key         string
	invalidator events.Invalidator
}

// NewStore creates a Store. An empty key uses DefaultManifestKey; a nil invalidator
// discards tags.
func NewStore(c cache.Cache, backend storage.Backend, key string, inv events.Invalidator) *Store {
	if key == "" {
		key = DefaultManifestKey
	}
	if inv == nil {
		inv = events.Nop{}
	}
	return &Store{cache: c, backend: backend, key: key, invalidator: inv}
}

// Key returns the object key of the canonical manifest.
func (s *Store) Key() string { return s.key }

// LoadLatest returns the latest valid manifest. Invalid payloads in either tier are
// logged and skipped; when neither tier has one the error wraps ErrNoManifest.
func (s *Store) LoadLatest(ctx context.Context) (*models.Manifest, Source, error) {
	if m, ok := s.fromCache(ctx); ok {
		metrics.RecordManifestLoad(string(SourceCache))
		return m, SourceCache, nil
	}

	body, info, err := storage.ReadAll(ctx, s.backend, s.key)
	if err != nil {
		metrics.RecordManifestLoad("none")
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrNoManifest
		}
		return nil, "", fmt.Errorf("%w: %v", ErrNoManifest, err)
	}
	res := models.Validate(body)
	if !res.Success {
		metrics.RecordManifestLoad("none")
		logging.Warn("stored manifest failed validation",
			zap.String("key", s.key),
			zap.Strings("errors", res.Errors))
		return nil, "", fmt.Errorf("%w: %v", ErrNoManifest, res.Err())
	}

	if err := s.seed(ctx, body, info.ETag, res.Manifest.Metadata); err != nil {
		logging.Warn("failed to re-seed manifest cache", zap.Error(err))
	}
	metrics.RecordManifestLoad(string(SourceObjectStore))
	return res.Manifest, SourceObjectStore, nil
}

func (s *Store) fromCache(ctx context.Context) (*models.Manifest, bool) {
	data, err := s.cache.Get(ctx, CacheKey)
	if err != nil {
		metrics.RecordCacheLookup("manifest", false)
		if !errors.Is(err, cache.ErrMiss) {
			logging.Warn("manifest cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.RecordCacheLookup("manifest", false)
		logging.Warn("cached manifest envelope is malformed", zap.Error(err))
		return nil, false
	}
	res := models.Validate(env.Body)
	if !res.Success {
		metrics.RecordCacheLookup("manifest", false)
		logging.Warn("cached manifest failed validation", zap.Strings("errors", res.Errors))
		return nil, false
	}
	metrics.RecordCacheLookup("manifest", true)
	return res.Manifest, true
}

func (s *Store) seed(ctx context.Context, body []byte, validator string, md models.Metadata) error {
	data, err := json.Marshal(envelope{
		Body:      body,
		Validator: validator,
		Metadata:  md,
		StoredAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, CacheKey, data, 0)
}

// Persist publishes m: object store first, then the cache, then the manifest tag.
// A cache failure after a durable write is logged, not returned.
func (s *Store) Persist(ctx context.Context, m *models.Manifest) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	info, err := s.backend.Put(ctx, s.key, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	if err := s.seed(ctx, body, info.ETag, m.Metadata); err != nil {
		logging.Warn("failed to seed manifest cache", zap.Error(err))
	}

	s.invalidator.Invalidate(events.TagManifest)
	metrics.SetManifestNodes(len(m.Nodes))

	logging.Debug("manifest persisted",
		zap.String("checksum", m.Metadata.Checksum),
		zap.Int("nodes", len(m.Nodes)))
	return nil
}

// Rebuild runs a full scan and publishes the result.
func Rebuild(ctx context.Context, b *Builder, s *Store) (*models.Manifest, error) {
	m, err := b.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build manifest: %w", err)
	}
	if err := s.Persist(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}
