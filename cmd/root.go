// Package cmd defines the CLI commands for the scout-pipeline executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scoutdata/pipeline/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scout-pipeline",
		Short: "Durable work-distribution pipeline for retail data collection",
		Long: `scout-pipeline schedules, executes, and tracks data-collection work:
a durable job queue with per-domain pacing, file intake with checksum
dedup, and a staged raw-to-normalized transformer feeding reporting
aggregates.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/scout-pipeline)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPromoteCmd())
	cmd.AddCommand(newSweepCmd())
	return cmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
