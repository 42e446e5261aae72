package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/notevault/notevault/internal/cache"
	"github.com/notevault/notevault/internal/config"
	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/internal/manifest"
	"github.com/notevault/notevault/internal/storage"
	"github.com/notevault/notevault/internal/storage/factory"
)

var (
	verbose bool
	rootCmd = &cobra.Command{
		Use:   "vault-tool",
		Short: "Inspect and maintain a NoteVault object store",
		Long: `vault-tool works directly against the object store and cache tier the server uses.
Configuration is read from the same environment variables as the server
(STORAGE_BACKEND, LOCAL_STORAGE_PATH, S3_*, CACHE_BACKEND, MANIFEST_KEY, ...).

Examples:
  vault-tool rebuild              # Full scan, publish a fresh manifest
  vault-tool validate             # Check the stored manifest
  vault-tool stat                 # Summarize the latest manifest
  vault-tool tree                 # Print the vault tree
  vault-tool cache flush          # Drop every cached entry
  vault-tool token alice laptop   # Issue an API token`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if verbose {
				level = "debug"
			}
			return logging.Init(logging.Config{Level: level, Format: "console", OutputPath: "stderr"})
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug output")
}

// env is the wiring shared by the commands.
type env struct {
	cfg     *config.Config
	backend storage.Backend
	cache   cache.Cache
	builder *manifest.Builder
	store   *manifest.Store
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	backend, err := factory.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c, err := cache.New(ctx, cfg)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &env{
		cfg:     cfg,
		backend: backend,
		cache:   c,
		builder: manifest.NewBuilder(backend,
			manifest.WithExtension(cfg.FileExtension),
			manifest.WithManifestKey(cfg.ManifestKey),
			manifest.WithPageSize(cfg.ListPageSize)),
		store: manifest.NewStore(c, backend, cfg.ManifestKey, nil),
	}, nil
}

func (e *env) Close() {
	e.cache.Close()
	e.backend.Close()
}

// printError prints an error message to stderr.
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
