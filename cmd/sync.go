package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/plansync/internal/db"
	"github.com/sells-group/plansync/internal/fetcher"
	"github.com/sells-group/plansync/internal/model"
	"github.com/sells-group/plansync/internal/runlog"
)

var (
	syncURL        string
	syncYear       int
	syncNoProgress bool
	syncStatusN    int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Form 5500 ingestion runs",
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion synchronously",
	Long:  "Fetches the configured archive, ranks every plan, swaps the analytical table and replaces the top-K cache. Exits non-zero if the run fails or another run is active.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if syncURL != "" {
			cfg.Source.URL = syncURL
		}
		if syncYear != 0 {
			cfg.Source.Year = syncYear
		}
		if err := cfg.Validate("sync"); err != nil {
			return err
		}

		var progress fetcher.ProgressFunc
		if !syncNoProgress {
			progress = downloadProgress(os.Stderr)
		}

		env, err := initSyncEnv(ctx, cfg, progress)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Coordinator.Run(ctx)
		if run != nil {
			formatRuns(os.Stdout, []model.SyncRun{*run})
		}
		if err != nil {
			return eris.Wrap(err, "sync run")
		}
		zap.L().Info("sync finished", zap.String("run_id", run.ID))
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent ingestion runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		pool, err := db.Connect(ctx, cfg.Analytical.DatabaseURL, 2)
		if err != nil {
			return err
		}
		defer pool.Close()

		limit := syncStatusN
		if limit <= 0 {
			limit = cfg.RunLog.HistoryLimit
		}
		runs, err := runlog.New(pool).List(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "sync status")
		}
		if len(runs) == 0 {
			zap.L().Info("no sync runs found, run 'plansync sync run' to start one")
			return nil
		}

		formatRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	syncRunCmd.Flags().StringVar(&syncURL, "url", "", "archive URL (default from config)")
	syncRunCmd.Flags().IntVar(&syncYear, "year", 0, "source year (default derived from the URL)")
	syncRunCmd.Flags().BoolVar(&syncNoProgress, "no-progress", false, "disable the download progress bar")
	syncStatusCmd.Flags().IntVar(&syncStatusN, "limit", 0, "number of runs to show (default from config)")

	syncCmd.AddCommand(syncRunCmd, syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}

// formatRuns writes a tabular representation of runs to out.
func formatRuns(out io.Writer, runs []model.SyncRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTAGE\tYEAR\tSTARTED\tDURATION\tPROCESSED\tREJECTED\tWRITTEN\tCACHE\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t----\t-------\t--------\t---------\t--------\t-------\t-----\t-----")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		errMsg := ""
		if r.Error != "" {
			errMsg = truncate(r.ErrorKind+": "+r.Error, 60)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.ID,
			r.Status,
			r.Stage,
			r.SourceYear,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.RowsProcessed,
			r.RowsRejected,
			r.RowsWritten,
			r.CacheSize,
			errMsg,
		)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
