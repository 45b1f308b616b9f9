package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/winejournal/labelscan/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "labelscan",
	Short: "Wine label scan ingestion pipeline",
	Long:  "Accepts wine label photos, extracts and enriches their details with Claude, geocodes producers, and resolves them into the shared wine catalog.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
