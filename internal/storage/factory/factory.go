// Package factory constructs the configured storage backend.
package factory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/config"
	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/internal/storage"
	"github.com/notevault/notevault/internal/storage/local"
	"github.com/notevault/notevault/internal/storage/memory"
	s3backend "github.com/notevault/notevault/internal/storage/s3"
)

// New creates the backend named by cfg.StorageBackend, scoped to cfg.KeyPrefix.
func New(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	var (
		backend storage.Backend
		err     error
	)
	switch cfg.StorageBackend {
	case "s3":
		backend, err = s3backend.NewBackend(ctx, s3backend.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	case "local":
		backend, err = local.New(local.Config{RootPath: cfg.LocalStoragePath, CreateDirs: true})
	case "memory":
		backend = memory.New()
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.StorageBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s storage: %w", cfg.StorageBackend, err)
	}

	logging.Info("storage backend initialized",
		zap.String("type", backend.Type()),
		zap.String("key_prefix", cfg.KeyPrefix))

	return storage.WithPrefix(backend, cfg.KeyPrefix), nil
}
