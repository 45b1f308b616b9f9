package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var processLimit int

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Claim pending scan jobs and run them through the pipeline once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "process", false)
		if err != nil {
			return err
		}
		defer env.Close()

		limit := processLimit
		if limit <= 0 {
			limit = cfg.Queue.ClaimLimit
		}
		limit = min(limit, cfg.Queue.MaxClaimLimit)

		res, err := env.Processor.ProcessBatch(ctx, limit)
		if err != nil {
			return err
		}

		zap.L().Info("process complete",
			zap.Int("claimed", res.Claimed),
			zap.Int("completed", res.Completed),
			zap.Int("failed", res.Failed),
			zap.Float64("estimated_cost_usd", res.EstimatedCostUSD),
		)
		return printJSON(cmd, res)
	},
}

func init() {
	processCmd.Flags().IntVar(&processLimit, "limit", 0, "max jobs to claim (default from config)")
	rootCmd.AddCommand(processCmd)
}
