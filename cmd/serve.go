package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scoutdata/pipeline/internal/admin"
	"github.com/scoutdata/pipeline/internal/app"
	"github.com/scoutdata/pipeline/internal/dispatcher"
	"github.com/scoutdata/pipeline/internal/executor"
	"github.com/scoutdata/pipeline/internal/intake"
	"github.com/scoutdata/pipeline/internal/pipeline"
	"github.com/scoutdata/pipeline/internal/recrawl"
	storagemem "github.com/scoutdata/pipeline/internal/storage/memory"
	"github.com/scoutdata/pipeline/internal/sweep"
	"github.com/scoutdata/pipeline/internal/transform"
	"github.com/scoutdata/pipeline/internal/worker"
)

const userAgent = "scout-pipeline/1.0"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the full pipeline service",
		Long: `Starts the worker pool, the intake consumer, the recrawl scheduler,
the stale-lease sweeper, the transform loop, and the admin API, and runs
until interrupted.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.Logger

	// Uploads go to the durable bucket when one is configured; the memory
	// store only backs single-process dev runs.
	blobs := a.Blobs
	routes := map[string]pipeline.ContentFetcher{"gs": a.Fetcher}
	if blobs == nil {
		mem := storagemem.NewBlobStore()
		blobs = mem
		routes["memory"] = mem
	}
	fetcher := intake.NewRouterFetcher(routes)
	intakeSvc := intake.NewService(
		a.Intake, a.Queue, fetcher, blobs, a.Hasher, a.Clock, a.IDs, logger,
		cfg.Intake.MaxSizeBytes,
	)
	handlers := intake.DefaultHandlers(a.Lake, a.Clock, a.IDs)
	processor := intake.NewProcessor(a.Intake, fetcher, a.Clock, logger, handlers)
	exec := executor.New(a.Hasher, executor.Config{UserAgent: userAgent})

	workers := make([]*worker.Worker, cfg.Queue.Workers)
	for i := range workers {
		workers[i] = worker.New(a.Queue, a.Results, exec, processor, a.Clock, worker.Config{
			ID:           fmt.Sprintf("worker-%d", i),
			PollInterval: time.Duration(cfg.Queue.PollMs) * time.Millisecond,
		}, logger)
	}
	pool := dispatcher.New(workers)

	sweeper := sweep.NewSweeper(a.Queue, a.Clock, logger,
		cfg.LeaseTTL(),
		time.Duration(cfg.Sweep.RetentionDays)*24*time.Hour,
		time.Duration(cfg.Sweep.IntervalSec)*time.Second,
	)
	recrawler := recrawl.NewScheduler(a.Results, a.Queue, a.Clock, logger,
		time.Duration(cfg.Recrawl.SuccessTTLMin)*time.Minute,
		time.Duration(cfg.Recrawl.FailureTTLMin)*time.Minute,
		time.Duration(cfg.Recrawl.IntervalSec)*time.Second,
	)
	promoter := transform.NewPromoter(a.Lake, a.Clock, a.IDs, logger, cfg.Transform.BatchSize)
	refresher := transform.NewRefresher(a.Lake, a.Locker, a.Clock, logger,
		goldAggregates(a), time.Duration(cfg.Transform.LockTTLSec)*time.Second)

	srv := admin.NewServer(a.Queue, a.Results, a.Lake, a.Admission, intakeSvc, a.Clock, cfg, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.Info("component stopped", zap.String("component", name))
		}()
	}

	run("workers", pool.Run)
	run("sweep", sweeper.Run)
	run("recrawl", recrawler.Run)
	run("transform", func(ctx context.Context) {
		runTransformLoop(ctx, cfg.Transform.IntervalSec, cfg.Transform.RefreshEverySec, promoter, refresher, logger)
	})

	if sub := a.Subscription(); sub != nil {
		consumer := intake.NewConsumer(sub, intakeSvc, logger)
		run("intake-consumer", func(ctx context.Context) {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("intake consumer exited", zap.Error(err))
			}
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("admin API listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}

// runTransformLoop promotes on every tick and refreshes aggregates on a
// slower cadence.
func runTransformLoop(
	ctx context.Context,
	promoteEverySec, refreshEverySec int,
	promoter *transform.Promoter,
	refresher *transform.Refresher,
	logger *zap.Logger,
) {
	ticker := time.NewTicker(time.Duration(promoteEverySec) * time.Second)
	defer ticker.Stop()

	lastRefresh := time.Now()
	refreshEvery := time.Duration(refreshEverySec) * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := promoter.Promote(ctx); err != nil {
				logger.Error("promotion cycle failed", zap.Error(err))
			}
			if time.Since(lastRefresh) < refreshEvery {
				continue
			}
			if _, err := refresher.RefreshAggregates(ctx); err != nil {
				logger.Error("aggregate refresh failed", zap.Error(err))
				continue
			}
			lastRefresh = time.Now()
		}
	}
}

// goldAggregates names the reporting views recomputed during refresh.
func goldAggregates(a *app.App) []transform.Aggregate {
	views := []string{"daily_sales_totals", "source_file_volumes"}
	aggregates := make([]transform.Aggregate, 0, len(views))
	for _, view := range views {
		aggregates = append(aggregates, transform.Aggregate{
			Name: view,
			Refresh: func(ctx context.Context) error {
				return a.Lake.RefreshMaterializedView(ctx, view)
			},
		})
	}
	return aggregates
}
