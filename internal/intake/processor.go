package intake

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

// Processor executes one intake job: it loads the record, reads the content,
// and dispatches to the format handler registered for the file type.
type Processor struct {
	store    pipeline.IntakeStore
	fetcher  pipeline.ContentFetcher
	clock    pipeline.Clock
	logger   *zap.Logger
	handlers map[string]pipeline.FormatHandler
}

// NewProcessor constructs a Processor over the registered handlers, keyed by
// file type (json, csv, zip).
func NewProcessor(
	store pipeline.IntakeStore,
	fetcher pipeline.ContentFetcher,
	clock pipeline.Clock,
	logger *zap.Logger,
	handlers map[string]pipeline.FormatHandler,
) *Processor {
	return &Processor{
		store:    store,
		fetcher:  fetcher,
		clock:    clock,
		logger:   logger.Named("intake"),
		handlers: handlers,
	}
}

// Process runs the record through its format handler. An unregistered file
// type is a permanent failure; handler errors are logged to the history with
// attempt count and elapsed time and returned for the queue to classify.
func (p *Processor) Process(ctx context.Context, recordID string) (pipeline.HandlerResult, error) {
	rec, err := p.store.Get(ctx, recordID)
	if err != nil {
		return pipeline.HandlerResult{}, fmt.Errorf("loading intake record %s: %w", recordID, err)
	}

	handler, ok := p.handlers[rec.FileType]
	if !ok {
		err := &pipeline.PermanentError{Err: fmt.Errorf("unsupported file type %q", rec.FileType)}
		return pipeline.HandlerResult{}, p.recordFailure(ctx, rec, 0, err)
	}

	content, err := p.fetcher.Fetch(ctx, rec.ContentRef)
	if err != nil {
		return pipeline.HandlerResult{}, p.recordFailure(ctx, rec, 0, fmt.Errorf("fetching content: %w", err))
	}

	start := p.clock.Now()
	result, err := handler.Handle(ctx, rec, content)
	elapsed := p.clock.Now().Sub(start)
	if err != nil {
		return result, p.recordFailure(ctx, rec, elapsed.Milliseconds(), err)
	}

	if err := p.store.UpdateStatus(ctx, rec.ID, pipeline.JobStatusDone, rec.Attempts+1, ""); err != nil {
		return result, fmt.Errorf("marking record done: %w", err)
	}
	p.logger.Info("file processed",
		zap.String("file", rec.FileName),
		zap.Int("records_processed", result.RecordsProcessed),
		zap.Int("records_failed", result.RecordsFailed),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

// Quarantine marks the record quarantined once the queue has given up on
// retrying it, keeping the record's status in step with the job's.
func (p *Processor) Quarantine(ctx context.Context, recordID, reason string) error {
	rec, err := p.store.Get(ctx, recordID)
	if err != nil {
		return fmt.Errorf("loading intake record %s: %w", recordID, err)
	}
	if err := p.store.UpdateStatus(ctx, rec.ID, pipeline.JobStatusQuarantined, rec.Attempts, reason); err != nil {
		return fmt.Errorf("quarantining record: %w", err)
	}
	p.logger.Warn("file quarantined",
		zap.String("file", rec.FileName),
		zap.String("reason", reason))
	return nil
}

// recordFailure writes the attempt to the history log and bumps the record's
// attempt count, then hands the original error back.
func (p *Processor) recordFailure(ctx context.Context, rec pipeline.IntakeRecord, elapsedMs int64, cause error) error {
	attempt := rec.Attempts + 1
	if err := p.store.AppendHistory(ctx, pipeline.IntakeHistoryEntry{
		FileName:  rec.FileName,
		FileType:  rec.FileType,
		Attempt:   attempt,
		ErrorText: cause.Error(),
		ElapsedMs: elapsedMs,
		At:        p.clock.Now(),
	}); err != nil {
		return fmt.Errorf("recording failure history: %w", err)
	}
	status := pipeline.JobStatusFailed
	if pipeline.Transient(cause) {
		status = pipeline.JobStatusQueued
	}
	if err := p.store.UpdateStatus(ctx, rec.ID, status, attempt, cause.Error()); err != nil {
		return fmt.Errorf("updating record status: %w", err)
	}
	p.logger.Warn("file processing failed",
		zap.String("file", rec.FileName),
		zap.Int("attempt", attempt),
		zap.Error(cause))
	return cause
}
