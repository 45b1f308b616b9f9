package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cleanupUser string

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete one user's queue jobs, journal entries, and scans",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cleanupUser == "" {
			return eris.New("--user is required")
		}
		ctx := cmd.Context()

		env, err := initDB(ctx, "cleanup")
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Sweeper.CleanupUser(ctx, cleanupUser)
		if err != nil {
			return err
		}

		zap.L().Info("cleanup complete",
			zap.String("user_id", cleanupUser),
			zap.Int64("queue_items", stats.QueueItems),
			zap.Int64("wines_added", stats.WinesAdded),
			zap.Int64("scans", stats.Scans),
		)
		return printJSON(cmd, stats)
	},
}

func init() {
	cleanupCmd.Flags().StringVar(&cleanupUser, "user", "", "user id whose scan data to delete")
	rootCmd.AddCommand(cleanupCmd)
}
