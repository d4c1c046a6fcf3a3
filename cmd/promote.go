package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scoutdata/pipeline/internal/app"
	"github.com/scoutdata/pipeline/internal/transform"
)

func newPromoteCmd() *cobra.Command {
	var withRefresh bool

	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Run a single promotion cycle",
		Long: `Promotes unprocessed raw events into the normalized store and exits.
With --refresh, also recomputes the reporting aggregates afterwards.`,
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

			promoter := transform.NewPromoter(a.Lake, a.Clock, a.IDs, a.Logger, cfg.Transform.BatchSize)
			promoted, err := promoter.Promote(ctx)
			if err != nil {
				return err
			}
			a.Logger.Info("promotion complete", zap.Int("promoted", promoted))

			if !withRefresh {
				return nil
			}
			refresher := transform.NewRefresher(a.Lake, a.Locker, a.Clock, a.Logger,
				goldAggregates(a), time.Duration(cfg.Transform.LockTTLSec)*time.Second)
			ran, err := refresher.RefreshAggregates(ctx)
			if err != nil {
				return err
			}
			if !ran {
				a.Logger.Warn("aggregate refresh skipped, lock held elsewhere")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withRefresh, "refresh", false, "refresh reporting aggregates after promoting")
	return cmd
}
