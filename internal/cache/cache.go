// Package cache provides the distributed cache tier that fronts the object store.
// Values are opaque bytes; callers store JSON.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/notevault/notevault/internal/config"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is a key/value cache addressed by fixed string keys.
type Cache interface {
	// Get returns the stored value or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value. A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Flush removes every entry.
	Flush(ctx context.Context) error

	// Type returns the tier identifier ("memory", "badger", "postgres").
	Type() string

	Close() error
}

// New opens the cache tier named by cfg.CacheBackend.
func New(ctx context.Context, cfg *config.Config) (Cache, error) {
	switch cfg.CacheBackend {
	case "memory":
		return NewMemory(), nil
	case "badger":
		return OpenBadger(cfg.BadgerPath)
	case "postgres":
		return OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.CacheBackend)
	}
}
