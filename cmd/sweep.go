package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/scoutdata/pipeline/internal/app"
	"github.com/scoutdata/pipeline/internal/sweep"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a single maintenance sweep",
		Long: `Requeues jobs with expired leases and prunes terminal jobs past the
retention window, then exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			sweeper := sweep.NewSweeper(a.Queue, a.Clock, a.Logger,
				cfg.LeaseTTL(),
				time.Duration(cfg.Sweep.RetentionDays)*24*time.Hour,
				time.Duration(cfg.Sweep.IntervalSec)*time.Second,
			)
			return sweeper.Sweep(ctx)
		},
	}
}
