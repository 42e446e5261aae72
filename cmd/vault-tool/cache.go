package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notevault/notevault/internal/cache"
	"github.com/notevault/notevault/internal/manifest"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the cache tier",
	Long: `Commands for the distributed cache that fronts the object store.

The cache holds the latest manifest and file bodies. Everything in it can be rebuilt
from the object store, so flushing is always safe.`,
}

var cacheFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drop every cached entry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.cache.Flush(ctx); err != nil {
			return fmt.Errorf("flush %s cache: %w", e.cache.Type(), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Flushed %s cache.\n", e.cache.Type())
		return nil
	},
}

var cacheStatCmd = &cobra.Command{
	Use:   "stat",
	Short: "Show whether the manifest is cached",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Cache tier: %s\n", e.cache.Type())
		_, err = e.cache.Get(ctx, manifest.CacheKey)
		switch {
		case errors.Is(err, cache.ErrMiss):
			fmt.Fprintf(out, "Manifest:   not cached\n")
		case err != nil:
			return fmt.Errorf("read %s: %w", manifest.CacheKey, err)
		default:
			fmt.Fprintf(out, "Manifest:   cached\n")
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheFlushCmd)
	cacheCmd.AddCommand(cacheStatCmd)
	rootCmd.AddCommand(cacheCmd)
}
