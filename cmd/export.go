package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/plansync/internal/export"
	"github.com/sells-group/plansync/internal/search"
	"github.com/sells-group/plansync/internal/sink"
)

var (
	exportOut   string
	exportState string
	exportType  string
	exportMax   int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the cached top plans to an XLSX workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cache, err := sink.OpenSQLiteCache(ctx, cfg.Cache.Path)
		if err != nil {
			return err
		}
		defer cache.Close() //nolint:errcheck

		q := search.Query{State: exportState, PlanType: exportType}.Normalize()
		if err := q.Validate(); err != nil {
			return err
		}

		plans, err := export.Collect(ctx, cache, q, exportMax)
		if err != nil {
			return err
		}
		if err := export.WriteXLSX(exportOut, plans); err != nil {
			return eris.Wrap(err, "export")
		}

		zap.L().Info("export complete", zap.String("path", exportOut), zap.Int("plans", len(plans)))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "top_plans.xlsx", "output workbook path")
	exportCmd.Flags().StringVar(&exportState, "state", "", "only plans sponsored in this state")
	exportCmd.Flags().StringVar(&exportType, "plan-type", "", "only plans with this feature code")
	exportCmd.Flags().IntVar(&exportMax, "max", 0, "maximum plans to write (0 for all)")
	rootCmd.AddCommand(exportCmd)
}
