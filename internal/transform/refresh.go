package transform

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scoutdata/pipeline/internal/metrics"
	"github.com/scoutdata/pipeline/internal/pipeline"
)

// refreshLockName is the single named lock guarding aggregate refresh. Only
// one instance recomputes aggregates at a time; the rest skip the cycle.
const refreshLockName = "gold-refresh"

const defaultRefreshLockTTL = 10 * time.Minute

// Aggregate is one reporting rollup recomputed during a refresh cycle.
type Aggregate struct {
	Name    string
	Refresh func(ctx context.Context) error
}

// Refresher recomputes reporting aggregates under a distributed lock.
type Refresher struct {
	lake       pipeline.LakeStore
	locker     pipeline.Locker
	clock      pipeline.Clock
	logger     *zap.Logger
	aggregates []Aggregate
	lockTTL    time.Duration
}

// NewRefresher constructs a Refresher over the given aggregates. A
// non-positive lock TTL uses the default.
func NewRefresher(
	lake pipeline.LakeStore,
	locker pipeline.Locker,
	clock pipeline.Clock,
	logger *zap.Logger,
	aggregates []Aggregate,
	lockTTL time.Duration,
) *Refresher {
	if lockTTL <= 0 {
		lockTTL = defaultRefreshLockTTL
	}
	return &Refresher{
		lake:       lake,
		locker:     locker,
		clock:      clock,
		logger:     logger.Named("refresh"),
		aggregates: aggregates,
		lockTTL:    lockTTL,
	}
}

// RefreshAggregates recomputes every aggregate and appends an audit row per
// success. When the lock is held elsewhere it returns false and does nothing;
// the next cycle will try again.
func (r *Refresher) RefreshAggregates(ctx context.Context) (bool, error) {
	acquired, err := r.locker.TryLock(ctx, refreshLockName, r.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquiring refresh lock: %w", err)
	}
	if !acquired {
		r.logger.Debug("refresh lock held elsewhere, skipping cycle")
		return false, nil
	}
	defer func() {
		if err := r.locker.Unlock(ctx, refreshLockName); err != nil {
			r.logger.Warn("releasing refresh lock", zap.Error(err))
		}
	}()

	for _, agg := range r.aggregates {
		start := r.clock.Now()
		if err := agg.Refresh(ctx); err != nil {
			metrics.ObserveTask("refresh", "error", r.clock.Now().Sub(start))
			return true, fmt.Errorf("refreshing aggregate %q: %w", agg.Name, err)
		}
		elapsed := r.clock.Now().Sub(start)
		if err := r.lake.AppendRefreshAudit(ctx, pipeline.RefreshAudit{
			Aggregate:   agg.Name,
			RefreshedAt: r.clock.Now(),
			Duration:    elapsed,
		}); err != nil {
			return true, fmt.Errorf("recording refresh audit: %w", err)
		}
		metrics.ObserveTask("refresh", "ok", elapsed)
		r.logger.Info("aggregate refreshed",
			zap.String("aggregate", agg.Name),
			zap.Duration("elapsed", elapsed))
	}
	return true, nil
}
