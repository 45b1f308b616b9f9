package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/winejournal/labelscan/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scan queue counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initDB(ctx, "status")
		if err != nil {
			return err
		}
		defer env.Close()

		counts, err := env.Queue.Stats(ctx)
		if err != nil {
			return err
		}

		statuses := make([]string, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-12s %s\n", "STATUS", "JOBS")
		for _, s := range statuses {
			fmt.Fprintf(out, "%-12s %d\n", s, counts[model.JobStatus(s)])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
