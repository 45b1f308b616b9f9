package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/winejournal/labelscan/internal/enrich"
	"github.com/winejournal/labelscan/internal/resolve"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the grape varietals named in the producer knowledge file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		knowledge, err := enrich.LoadKnowledge(cfg.Enrich.KnowledgeFile)
		if err != nil {
			return eris.Wrap(err, "load producer knowledge")
		}

		env, err := initDB(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := resolve.NewWriter(env.Pool).SeedVarietals(ctx, knowledge.Varietals())
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]int64{"varietals_inserted": n})
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
