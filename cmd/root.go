package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/cdr-sync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "cdr-sync",
	Short: "Sync Kazoo call detail records into Elasticsearch",
	Long:  "Pulls CDRs from the Kazoo Crossbar API by polling, webhook or AMQP call events, enriches them and bulk-indexes them into monthly Elasticsearch indices.",
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
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
