// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Object store ("local", "s3" or "memory", default: "local")
	StorageBackend   string
	LocalStoragePath string
	KeyPrefix        string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Distributed cache ("memory", "postgres" or "badger", default: "memory")
	CacheBackend string
	DatabaseURL  string
	BadgerPath   string

	// Manifest
	ManifestKey     string
	FileExtension   string
	ListPageSize    int
	RebuildInterval time.Duration

	// Watch the local storage root for edits made outside the API.
	WatchLocal bool

	// Auth (optional; requests are unauthenticated when empty)
	JWTSecret string

	// Uploads
	MaxUploadSize int64

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		StorageBackend:   envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "/data/vault"),
		KeyPrefix:        envOr("STORAGE_KEY_PREFIX", ""),
		S3Endpoint:       envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:         envOr("S3_BUCKET", "notevault"),
		S3AccessKey:      envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:      envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:         envOr("S3_REGION", "us-east-1"),
		S3UseSSL:         envBool("S3_USE_SSL", false),
		CacheBackend:     envOr("CACHE_BACKEND", "memory"),
		DatabaseURL:      envOr("DATABASE_URL", ""),
		BadgerPath:       envOr("BADGER_PATH", "/data/cache"),
		ManifestKey:      envOr("MANIFEST_KEY", "_manifest.json"),
		FileExtension:    envOr("FILE_EXTENSION", ".md"),
		ListPageSize:     envInt("LIST_PAGE_SIZE", 1000),
		RebuildInterval:  envDuration("REBUILD_INTERVAL", 0),
		WatchLocal:       envBool("WATCH_LOCAL", false),
		JWTSecret:        envOr("JWT_SECRET", ""),
		MaxUploadSize:    envInt64("MAX_UPLOAD_SIZE", 10*1024*1024), // 10MB default
		TLSCertFile:      envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:       envOr("TLS_KEY_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "local", "s3", "memory":
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	switch c.CacheBackend {
	case "memory", "badger":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres cache backend")
		}
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend)
	}
	if !strings.HasPrefix(c.FileExtension, ".") {
		return fmt.Errorf("FILE_EXTENSION must start with a dot, got %q", c.FileExtension)
	}
	if c.ListPageSize <= 0 || c.ListPageSize > 1000 {
		return fmt.Errorf("LIST_PAGE_SIZE must be within 1..1000, got %d", c.ListPageSize)
	}
	if c.WatchLocal && c.StorageBackend != "local" {
		return fmt.Errorf("WATCH_LOCAL requires STORAGE_BACKEND=local")
	}
	if c.WatchLocal && c.KeyPrefix != "" {
		return fmt.Errorf("WATCH_LOCAL cannot be combined with STORAGE_KEY_PREFIX")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
