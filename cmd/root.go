package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/plansync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "plansync",
	Short: "Form 5500 plan ingestion and ranking",
	Long:  "Downloads the DOL Form 5500 archive, normalizes and ranks every filing, and publishes the full set to Postgres and the top plans to a SQLite cache.",
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
