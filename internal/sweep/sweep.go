// Package sweep recovers jobs stranded by dead workers and enforces the
// terminal-row retention window.
package sweep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scoutdata/pipeline/internal/metrics"
	"github.com/scoutdata/pipeline/internal/pipeline"
)

// Sweeper periodically returns stale-leased jobs to the queue and deletes
// terminal rows past retention. Lease age is the only liveness signal a
// worker leaves behind.
type Sweeper struct {
	queue     pipeline.JobQueue
	clock     pipeline.Clock
	logger    *zap.Logger
	leaseTTL  time.Duration
	retention time.Duration
	interval  time.Duration
}

// NewSweeper constructs a Sweeper.
func NewSweeper(queue pipeline.JobQueue, clock pipeline.Clock, logger *zap.Logger, leaseTTL, retention, interval time.Duration) *Sweeper {
	return &Sweeper{
		queue:     queue,
		clock:     clock,
		logger:    logger.Named("sweep"),
		leaseTTL:  leaseTTL,
		retention: retention,
		interval:  interval,
	}
}

// Run executes Sweep on a ticker until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one recovery pass: stale leases back to queued, then retention.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := s.clock.Now()

	requeued, err := s.queue.RequeueStale(ctx, start.Add(-s.leaseTTL))
	if err != nil {
		metrics.ObserveTask("sweep", "error", s.clock.Now().Sub(start))
		return fmt.Errorf("requeueing stale leases: %w", err)
	}
	if requeued > 0 {
		s.logger.Warn("recovered stale leases", zap.Int("requeued", requeued))
	}

	deleted, err := s.queue.DeleteTerminalBefore(ctx, start.Add(-s.retention))
	if err != nil {
		metrics.ObserveTask("sweep", "error", s.clock.Now().Sub(start))
		return fmt.Errorf("deleting expired rows: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("retention pass complete", zap.Int("deleted", deleted))
	}

	metrics.ObserveTask("sweep", "ok", s.clock.Now().Sub(start))
	return nil
}
