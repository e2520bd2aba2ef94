// Command nexsus is the ingestion and integrity CLI for the unified
// vector collection: schema/record/knowledge sync, FK validation,
// orphan repair and housekeeping.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nexsus/internal/config"
	"nexsus/internal/logging"
)

var (
	flagConfig  string
	flagVerbose bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "nexsus",
	Short:         "ERP-to-vector-store sync and integrity toolkit",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if flagVerbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Development)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(validateFKCmd)
	rootCmd.AddCommand(fixOrphansCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, err := rootCmd.ExecuteContextC(ctx)
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	// Flag and argument mistakes exit 2; runtime failures exit 1.
	if isUsageError(err) {
		fmt.Fprintln(os.Stderr, cmd.UsageString())
		os.Exit(2)
	}
	os.Exit(1)
}
