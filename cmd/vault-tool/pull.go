package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/notevault/notevault/pkg/client"
	"github.com/notevault/notevault/pkg/mirror"
	"github.com/notevault/notevault/pkg/models"
)

var (
	pullServer string
	pullToken  string
)

var pullCmd = &cobra.Command{
	Use:   "pull <dir>",
	Short: "Copy every note from a running server into a local directory",
	Long: `Mirrors the server's tree and writes each file below dir, creating folders as needed.
Existing files are overwritten.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c := client.New(client.Config{BaseURL: pullServer, AuthToken: pullToken})
		m := mirror.New(c, mirror.Options{})
		defer m.Close()

		if err := m.InitRoot(ctx); err != nil {
			return err
		}
		state, err := loadAll(ctx, m)
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(state.Nodes))
		for id := range state.Nodes {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		var files int
		var total int64
		for _, id := range ids {
			dst := filepath.Join(args[0], filepath.FromSlash(id))
			if state.Nodes[id].Type == models.NodeFolder {
				if err := os.MkdirAll(dst, 0755); err != nil {
					return err
				}
				continue
			}
			doc, err := m.OpenFile(ctx, id)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(dst, doc.Body, 0644); err != nil {
				return err
			}
			files++
			total += int64(len(doc.Body))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pulled %s files (%s) into %s\n",
			humanize.Comma(int64(files)), humanize.Bytes(uint64(total)), args[0])
		return nil
	},
}

// loadAll opens every folder whose children came from a partial listing until the whole
// tree is known.
func loadAll(ctx context.Context, m *mirror.Mirror) (mirror.State, error) {
	visited := map[string]bool{}
	for {
		state := m.Snapshot()
		progressed := false
		for id, n := range state.Nodes {
			if n.Type != models.NodeFolder || n.ChildrenLoaded || visited[id] {
				continue
			}
			visited[id] = true
			progressed = true
			if _, err := m.ToggleFolder(ctx, id); err != nil {
				return state, fmt.Errorf("load %s: %w", id, err)
			}
		}
		if !progressed {
			return state, nil
		}
	}
}

func init() {
	pullCmd.Flags().StringVar(&pullServer, "server", "http://localhost:8080", "server base URL")
	pullCmd.Flags().StringVar(&pullToken, "token", os.Getenv("NOTEVAULT_TOKEN"), "API token")
	rootCmd.AddCommand(pullCmd)
}
