// NoteVault Server
//
// Features:
// - Manifest of the vault tree, cached in front of the object store
// - Incremental manifest updates on every write, move and delete
// - Content cache with tag invalidation
// - SSE and websocket invalidation streams
// - Prometheus metrics & structured logging (zap)
// - Multi-backend storage (S3, local, memory)
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/api"
	"github.com/notevault/notevault/internal/auth"
	"github.com/notevault/notevault/internal/cache"
	"github.com/notevault/notevault/internal/config"
	"github.com/notevault/notevault/internal/content"
	"github.com/notevault/notevault/internal/events"
	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/internal/manifest"
	"github.com/notevault/notevault/internal/metrics"
	"github.com/notevault/notevault/internal/storage/factory"
	"github.com/notevault/notevault/internal/storage/local"
	"github.com/notevault/notevault/internal/watcher"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("NoteVault server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	backend, err := factory.New(ctx, cfg)
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}
	defer backend.Close()

	// Initialize cache tier
	c, err := cache.New(ctx, cfg)
	if err != nil {
		logging.Fatal("cache init failed", zap.Error(err))
	}
	defer c.Close()
	logging.Info("cache initialized", zap.String("type", c.Type()))

	// Invalidation bus
	bus := events.NewBus()

	// Manifest pipeline
	builder := manifest.NewBuilder(backend,
		manifest.WithExtension(cfg.FileExtension),
		manifest.WithManifestKey(cfg.ManifestKey),
		manifest.WithPageSize(cfg.ListPageSize))
	store := manifest.NewStore(c, backend, cfg.ManifestKey, bus)
	updater := manifest.NewUpdater(store, backend)
	contentCache := content.New(c, backend, bus)

	// Initialize auth
	authHandler := auth.New(cfg.JWTSecret)
	if !authHandler.Enabled() {
		logging.Warn("JWT_SECRET not set, API is unauthenticated")
	}

	srv := api.NewServer(api.Deps{
		Backend:       backend,
		Builder:       builder,
		Store:         store,
		Updater:       updater,
		Content:       contentCache,
		Bus:           bus,
		Auth:          authHandler,
		CacheName:     c.Type(),
		MaxUploadSize: cfg.MaxUploadSize,
		ListPageSize:  cfg.ListPageSize,
	})

	// Warm the manifest so the first tree request is served from cache.
	if m, src, err := store.LoadLatest(ctx); err == nil {
		logging.Info("manifest loaded",
			zap.String("source", string(src)),
			zap.Int("nodes", m.Metadata.NodeCount))
	} else {
		logging.Info("no usable manifest, building", zap.Error(err))
		if err := srv.Rebuild(ctx); err != nil {
			logging.Error("initial manifest build failed", zap.Error(err))
		}
	}

	// Watch the vault directory for edits made outside the API
	if cfg.WatchLocal {
		lb, err := local.New(local.Config{RootPath: cfg.LocalStoragePath, CreateDirs: true})
		if err != nil {
			logging.Fatal("watcher backend init failed", zap.Error(err))
		}
		w, err := watcher.New(lb, updater, builder.Indexed, contentCache.Invalidate)
		if err != nil {
			logging.Fatal("watcher init failed", zap.Error(err))
		}
		if err := w.Start(); err != nil {
			logging.Fatal("watcher start failed", zap.Error(err))
		}
		defer w.Close()
		go w.Run(ctx)
		logging.Info("watching vault directory", zap.String("root", lb.Root()))
	}

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	// Periodic reconciliation with the object store
	if cfg.RebuildInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.RebuildInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := srv.Rebuild(ctx); err != nil {
						logging.Error("periodic manifest rebuild failed", zap.Error(err))
					}
				}
			}
		}()
	}

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}
