package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/esg-worker/internal/model"
)

var processCompanyName string
var processReportYear int

var processCmd = &cobra.Command{
	Use:   "process <object-key>",
	Short: "Process one document synchronously",
	Long:  "Runs the full extraction-validation-scoring pipeline for a single object key, bypassing the queue. Useful for backfills and debugging.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		task := model.Task{
			ObjectKey:   args[0],
			CompanyName: processCompanyName,
			ReportYear:  processReportYear,
		}

		result, err := env.Pipeline.ProcessDocument(ctx, task)
		if err != nil {
			return err
		}

		zap.L().Info("document processed",
			zap.String("object_key", result.ObjectKey),
			zap.Int("indicators_valid", result.IndicatorsValid),
			zap.Int("extraction_errors", result.ExtractionErrors),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	processCmd.Flags().StringVar(&processCompanyName, "company", "", "override company name from the object key")
	processCmd.Flags().IntVar(&processReportYear, "year", 0, "override report year from the object key")
	rootCmd.AddCommand(processCmd)
}
