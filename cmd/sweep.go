package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Requeue stale or failed jobs and finalize those out of retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initDB(ctx, "sweep")
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Sweeper.Sweep(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("sweep complete",
			zap.Int("requeued", stats.Requeued),
			zap.Int("finalized", stats.Finalized),
		)
		return printJSON(cmd, stats)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
