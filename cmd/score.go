package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/esg-worker/internal/scorer"
)

var scoreCompanyID int64
var scoreReportYear int
var scoreWeightsFile string

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Recompute a score from persisted extractions",
	Long:  "Rebuilds the score record for one company-year from indicators already in the store, optionally with a pillar-weight override file. No extraction runs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if scoreCompanyID <= 0 || scoreReportYear == 0 {
			return cmd.Help()
		}

		var weights *scorer.PillarWeights
		if scoreWeightsFile != "" {
			w, err := scorer.LoadWeightsFile(scoreWeightsFile)
			if err != nil {
				return err
			}
			weights = w
			zap.L().Info("using weight override",
				zap.Float64("environmental", w.Environmental),
				zap.Float64("social", w.Social),
				zap.Float64("governance", w.Governance),
			)
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Pipeline.RecomputeScore(ctx, scoreCompanyID, scoreReportYear, weights)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

func init() {
	scoreCmd.Flags().Int64Var(&scoreCompanyID, "company-id", 0, "company id (required)")
	scoreCmd.Flags().IntVar(&scoreReportYear, "year", 0, "report year (required)")
	scoreCmd.Flags().StringVar(&scoreWeightsFile, "weights", "", "YAML file overriding pillar weights")
	rootCmd.AddCommand(scoreCmd)
}
