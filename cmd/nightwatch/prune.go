package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/nightwatch/internal/config"
	"github.com/ShayCichocki/nightwatch/internal/state"
)

func newPruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old terminal sessions from the store",
		Long: `Remove completed, failed and cancelled sessions older than --older-than
from the local store. Active sessions are never touched.

Run it while the server is stopped; a running server keeps its own copy
in memory until restart.

Examples:
  nightwatch prune                    # sessions older than 30 days
  nightwatch prune --older-than 168h  # older than a week`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			db, err := state.OpenDriver(cfg.Store.Driver, cfg.Store.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}

			n, err := db.PurgeOldSessions(olderThan)
			if err != nil {
				return fmt.Errorf("purge sessions: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d session(s) older than %s\n", n, formatDuration(olderThan))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of sessions to delete")
	return cmd
}
