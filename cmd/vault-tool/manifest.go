package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/notevault/notevault/internal/manifest"
	"github.com/notevault/notevault/internal/storage"
	"github.com/notevault/notevault/pkg/models"
	"github.com/notevault/notevault/pkg/tree"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Scan the object store and publish a fresh manifest",
	Long: `Lists every object under the configured prefix, builds the manifest and writes it to
the object store and the cache tier. Running servers pick it up on their next cache read.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		start := time.Now()
		m, err := manifest.Rebuild(ctx, e.builder, e.store)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published %s nodes in %s\n",
			humanize.Comma(int64(m.Metadata.NodeCount)), time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(cmd.OutOrStdout(), "Checksum: %s\n", m.Metadata.Checksum)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the manifest stored in the object store",
	Long:  `Reads the canonical manifest object, validates its shape and checks the tree invariants.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		body, info, err := storage.ReadAll(ctx, e.backend, e.store.Key())
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no manifest at %s, run rebuild first", e.store.Key())
		}
		if err != nil {
			return err
		}

		res := models.Validate(body)
		if !res.Success {
			for _, msg := range res.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", msg)
			}
			return res.Err()
		}
		if err := models.CheckInvariants(res.Manifest); err != nil {
			return err
		}
		if got := models.Checksum(res.Manifest); got != res.Manifest.Metadata.Checksum {
			return fmt.Errorf("checksum mismatch: stored %s, computed %s", res.Manifest.Metadata.Checksum, got)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%s, %s nodes)\n",
			e.store.Key(), humanize.Bytes(uint64(info.Size)), humanize.Comma(int64(res.Manifest.Metadata.NodeCount)))
		return nil
	},
}

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Summarize the latest manifest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		m, src, err := e.store.LoadLatest(ctx)
		if err != nil {
			return err
		}
		s := summarize(m)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Source:     %s\n", src)
		fmt.Fprintf(out, "Generated:  %s (%s)\n",
			m.Metadata.GeneratedAt.Format(time.RFC3339), humanize.Time(m.Metadata.GeneratedAt))
		fmt.Fprintf(out, "Checksum:   %s\n", m.Metadata.Checksum)
		fmt.Fprintf(out, "Files:      %s\n", humanize.Comma(int64(s.files)))
		fmt.Fprintf(out, "Folders:    %s\n", humanize.Comma(int64(s.folders)))
		fmt.Fprintf(out, "Total size: %s\n", humanize.Bytes(uint64(s.bytes)))
		fmt.Fprintf(out, "Max depth:  %d\n", s.depth)
		return nil
	},
}

var treeCmd = &cobra.Command{
	Use:   "tree [folder]",
	Short: "Print the vault tree",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		m, _, err := e.store.LoadLatest(ctx)
		if err != nil {
			return err
		}
		roots := m.RootIDs
		if len(args) == 1 {
			id, err := models.FolderID(args[0])
			if err != nil {
				return err
			}
			n := m.Find(id)
			if n == nil {
				return fmt.Errorf("folder %s: %w", id, tree.ErrNodeNotFound)
			}
			roots = n.ChildrenIDs
		}
		return renderTree(cmd.OutOrStdout(), m, roots)
	},
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(treeCmd)
}

type summary struct {
	files   int
	folders int
	bytes   int64
	depth   int
}

func summarize(m *models.Manifest) summary {
	var s summary
	for _, n := range m.Nodes {
		if d := len(models.Ancestors(n.ID)) + 1; d > s.depth {
			s.depth = d
		}
		if n.IsFolder() {
			s.folders++
			continue
		}
		s.files++
		s.bytes += n.Size
	}
	return s
}

// renderTree writes ids and their descendants, one node per line, folders before files.
func renderTree(w io.Writer, m *models.Manifest, ids []string) error {
	idx := m.Index()
	var walk func(ids []string, indent string) error
	walk = func(ids []string, indent string) error {
		for _, pass := range []bool{true, false} {
			for _, id := range ids {
				n := idx[id]
				if n == nil || n.IsFolder() != pass {
					continue
				}
				if n.IsFolder() {
					if _, err := fmt.Fprintf(w, "%s%s/\n", indent, n.Name); err != nil {
						return err
					}
					if err := walk(n.ChildrenIDs, indent+"  "); err != nil {
						return err
					}
					continue
				}
				if _, err := fmt.Fprintf(w, "%s%s  %s\n", indent, n.Name,
					strings.ReplaceAll(humanize.Bytes(uint64(n.Size)), " ", "")); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(ids, "")
}
