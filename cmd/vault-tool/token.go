package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/notevault/notevault/internal/auth"
	"github.com/notevault/notevault/internal/config"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <subject> [device]",
	Short: "Issue an API token signed with JWT_SECRET",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		device := ""
		if len(args) == 2 {
			device = args[1]
		}
		token, expires, err := auth.New(cfg.JWTSecret).IssueToken(args[0], device, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s (%s)\n",
			expires.Format(time.RFC3339), humanize.Time(expires))
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
