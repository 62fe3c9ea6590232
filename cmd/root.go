package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/esg-worker/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "esg-worker",
	Short: "ESG report extraction and scoring worker",
	Long:  "Consumes document-processing tasks from a durable queue, extracts ~55 standardized ESG indicators per report via retrieval-augmented LLM calls, validates them, and aggregates pillar and overall scores with citation metadata.",
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
