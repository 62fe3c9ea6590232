package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/esg-worker/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the indicator catalog",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file.xlsx>",
	Short: "Import indicator definitions from an XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		defs, err := catalog.ImportXLSX(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		n, err := st.UpsertIndicators(ctx, defs)
		if err != nil {
			return err
		}
		zap.L().Info("catalog imported",
			zap.String("file", args[0]),
			zap.Int("parsed", len(defs)),
			zap.Int64("upserted", n),
		)
		return nil
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indicator definitions by attribute",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		cat, err := catalog.Load(ctx, st)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ATTR\tPILLAR\tCODE\tUNIT\tWEIGHT\tNAME")
		for _, attr := range cat.Attributes() {
			for _, d := range cat.Attribute(attr) {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.2f\t%s\n", d.Attribute, d.Pillar, d.Code, d.Unit, d.Weight, d.Name)
			}
		}
		return w.Flush()
	},
}

func init() {
	catalogCmd.AddCommand(catalogImportCmd)
	catalogCmd.AddCommand(catalogListCmd)
	rootCmd.AddCommand(catalogCmd)
}
