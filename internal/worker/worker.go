// Package worker implements the claim/execute/report loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scoutdata/pipeline/internal/metrics"
	"github.com/scoutdata/pipeline/internal/pipeline"
)

const defaultPollInterval = 2 * time.Second

// IntakeProcessor dispatches one claimed intake job and mirrors terminal
// queue dispositions onto the intake record.
type IntakeProcessor interface {
	Process(ctx context.Context, recordID string) (pipeline.HandlerResult, error)
	Quarantine(ctx context.Context, recordID, reason string) error
}

// Config controls Worker behavior.
type Config struct {
	ID           string
	PollInterval time.Duration
	MaxDepth     int
}

// Worker claims jobs and executes them. Workers coordinate only through the
// queue; there is no shared state between them.
type Worker struct {
	queue    pipeline.JobQueue
	results  pipeline.ResultStore
	executor pipeline.Executor
	intake   IntakeProcessor
	clock    pipeline.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	queue pipeline.JobQueue,
	results pipeline.ResultStore,
	executor pipeline.Executor,
	intake IntakeProcessor,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	return &Worker{
		queue:    queue,
		results:  results,
		executor: executor,
		intake:   intake,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("worker").With(zap.String("worker_id", cfg.ID)),
	}
}

// Run blocks, claiming and processing jobs until the context finishes. An
// empty queue backs off for the poll interval.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.ClaimNext(ctx, w.cfg.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", zap.Error(err))
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}
		w.processJob(ctx, *job)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval):
	}
}

func (w *Worker) processJob(ctx context.Context, job pipeline.Job) {
	metrics.ObserveJob("claimed")
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	w.logger.Debug("claimed job",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("resource", job.Resource))

	var note string
	var err error
	switch job.Kind {
	case pipeline.JobKindFetch:
		note, err = w.runFetch(ctx, job)
	case pipeline.JobKindIntake:
		note, err = w.runIntake(ctx, job)
	default:
		err = &pipeline.PermanentError{Err: fmt.Errorf("unknown job kind %q", job.Kind)}
	}

	if err != nil {
		w.report(ctx, job, err)
		return
	}
	if cerr := w.queue.Complete(ctx, job.ID, note); cerr != nil {
		w.logger.Error("completing job", zap.String("job_id", job.ID), zap.Error(cerr))
		return
	}
	metrics.ObserveJob("completed")
}

// runFetch hands the job to the external executor and records the outcome.
// Discovered resources enqueue one level deeper at discovery priority.
func (w *Worker) runFetch(ctx context.Context, job pipeline.Job) (string, error) {
	prior, err := w.results.Get(ctx, job.Source, job.Resource)
	if err != nil {
		return "", pipeline.AsTransient(fmt.Errorf("loading prior result: %w", err))
	}

	result, err := w.executor.Execute(ctx, job, prior)
	if err != nil {
		return "", pipeline.AsTransient(err)
	}

	if err := w.results.Upsert(ctx, pipeline.ResultEntry{
		Source:       job.Source,
		Resource:     job.Resource,
		HTTPStatus:   result.HTTPStatus,
		ETag:         result.ETag,
		LastModified: result.LastModified,
		Fingerprint:  result.Fingerprint,
		ParseStatus:  result.ParseStatus,
		ParseNote:    result.ParseNote,
		FetchedAt:    w.clock.Now(),
	}); err != nil {
		return "", pipeline.AsTransient(fmt.Errorf("recording result: %w", err))
	}

	w.enqueueDiscovered(ctx, job, result.Discovered)
	return fmt.Sprintf("http=%d parse=%s", result.HTTPStatus, result.ParseStatus), nil
}

func (w *Worker) enqueueDiscovered(ctx context.Context, parent pipeline.Job, discovered []string) {
	if parent.Depth >= w.cfg.MaxDepth {
		if len(discovered) > 0 {
			w.logger.Debug("depth limit reached, dropping discoveries",
				zap.String("job_id", parent.ID),
				zap.Int("dropped", len(discovered)))
		}
		return
	}
	for _, resource := range discovered {
		_, err := w.queue.Enqueue(ctx, pipeline.Job{
			Kind:     pipeline.JobKindFetch,
			Source:   parent.Source,
			Resource: resource,
			Depth:    parent.Depth + 1,
			Priority: pipeline.PriorityDiscovered,
			ParentID: parent.ID,
		})
		if err != nil && !errors.Is(err, pipeline.ErrDuplicateJob) {
			w.logger.Warn("enqueueing discovered resource",
				zap.String("resource", resource),
				zap.Error(err))
		}
	}
}

func (w *Worker) runIntake(ctx context.Context, job pipeline.Job) (string, error) {
	result, err := w.intake.Process(ctx, job.Resource)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("processed=%d failed=%d", result.RecordsProcessed, result.RecordsFailed), nil
}

// report translates an execution error into a queue transition. Anything not
// explicitly permanent retries with backoff.
func (w *Worker) report(ctx context.Context, job pipeline.Job, cause error) {
	permanent := !pipeline.Transient(cause)
	if err := w.queue.Fail(ctx, job.ID, cause.Error(), permanent); err != nil {
		w.logger.Error("reporting failure", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ObserveJob("failed")
	if job.Kind == pipeline.JobKindIntake {
		w.syncIntakeRecord(ctx, job)
	}
	w.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("resource", job.Resource),
		zap.Bool("permanent", permanent),
		zap.Error(cause))
}

// syncIntakeRecord checks whether Fail tipped the job into quarantine and,
// if so, carries that status over to the intake record so operators see the
// same state on both sides.
func (w *Worker) syncIntakeRecord(ctx context.Context, job pipeline.Job) {
	failed, err := w.queue.GetJob(ctx, job.ID)
	if err != nil {
		w.logger.Error("loading failed job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if failed.Status != pipeline.JobStatusQuarantined {
		return
	}
	if err := w.intake.Quarantine(ctx, job.Resource, failed.Note); err != nil {
		w.logger.Error("quarantining intake record",
			zap.String("record_id", job.Resource),
			zap.Error(err))
	}
}
