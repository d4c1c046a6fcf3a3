// Package recrawl re-enqueues known resources once their cached result ages
// past its freshness window.
package recrawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scoutdata/pipeline/internal/metrics"
	"github.com/scoutdata/pipeline/internal/pipeline"
)

// Scheduler scans the result cache and queues resources due for a revisit.
// Successful fetches get a long freshness window; failed parses a longer one
// so broken resources do not churn the queue.
type Scheduler struct {
	results    pipeline.ResultStore
	queue      pipeline.JobQueue
	clock      pipeline.Clock
	logger     *zap.Logger
	successTTL time.Duration
	failureTTL time.Duration
	interval   time.Duration
}

// NewScheduler constructs a Scheduler.
func NewScheduler(
	results pipeline.ResultStore,
	queue pipeline.JobQueue,
	clock pipeline.Clock,
	logger *zap.Logger,
	successTTL, failureTTL, interval time.Duration,
) *Scheduler {
	return &Scheduler{
		results:    results,
		queue:      queue,
		clock:      clock,
		logger:     logger.Named("recrawl"),
		successTTL: successTTL,
		failureTTL: failureTTL,
		interval:   interval,
	}
}

// Run executes Sweep on a ticker until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("recrawl sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep enqueues every cached resource whose result is older than its TTL.
// A resource already queued or running is nudged eligible instead of
// duplicated. Returns the number of resources scheduled.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	start := s.clock.Now()
	scheduled := 0
	err := s.results.Scan(ctx, func(entry pipeline.ResultEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.due(entry, start) {
			return nil
		}
		if err := s.schedule(ctx, entry); err != nil {
			return err
		}
		scheduled++
		return nil
	})
	if err != nil {
		metrics.ObserveTask("recrawl", "error", s.clock.Now().Sub(start))
		return scheduled, fmt.Errorf("scanning result cache: %w", err)
	}
	metrics.ObserveTask("recrawl", "ok", s.clock.Now().Sub(start))
	if scheduled > 0 {
		s.logger.Info("recrawl sweep complete", zap.Int("scheduled", scheduled))
	}
	return scheduled, nil
}

func (s *Scheduler) due(entry pipeline.ResultEntry, now time.Time) bool {
	ttl := s.successTTL
	if entry.ParseStatus != pipeline.ParseStatusOK {
		ttl = s.failureTTL
	}
	return now.Sub(entry.FetchedAt) >= ttl
}

func (s *Scheduler) schedule(ctx context.Context, entry pipeline.ResultEntry) error {
	_, err := s.queue.Enqueue(ctx, pipeline.Job{
		Kind:     pipeline.JobKindFetch,
		Source:   entry.Source,
		Resource: entry.Resource,
		Priority: pipeline.PriorityDefault,
	})
	if errors.Is(err, pipeline.ErrDuplicateJob) {
		// Already in flight; just make sure it is eligible now.
		if nerr := s.queue.Nudge(ctx, entry.Source, entry.Resource, s.clock.Now()); nerr != nil && !errors.Is(nerr, pipeline.ErrNotFound) {
			return fmt.Errorf("nudging %s/%s: %w", entry.Source, entry.Resource, nerr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueueing %s/%s: %w", entry.Source, entry.Resource, err)
	}
	return nil
}
