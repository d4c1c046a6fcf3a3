// Package intake accepts externally delivered files, dedupes them by content
// checksum, and routes their processing through the job queue.
package intake

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/scoutdata/pipeline/internal/metrics"
	"github.com/scoutdata/pipeline/internal/pipeline"
)

// JobSource is the queue source under which every intake job is filed.
const JobSource = "intake"

// Outcome classifies what Submit did with a file.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
)

// SubmitRequest describes one file offered to the pipeline. Content may be
// nil, in which case the bytes are read from ContentRef.
type SubmitRequest struct {
	FileName   string
	FileType   string
	SizeBytes  int64
	ContentRef string
	SourceKind pipeline.IntakeSourceKind
	Content    []byte
}

// SubmitResult reports what happened to a submitted file.
type SubmitResult struct {
	Outcome Outcome               `json:"outcome"`
	Record  pipeline.IntakeRecord `json:"record"`
	JobID   string                `json:"job_id,omitempty"`
}

// Service is the intake front door.
type Service struct {
	store   pipeline.IntakeStore
	queue   pipeline.JobQueue
	fetcher pipeline.ContentFetcher
	blobs   pipeline.BlobStore
	hasher  pipeline.Hasher
	clock   pipeline.Clock
	ids     pipeline.IDGenerator
	logger  *zap.Logger
	maxSize int64
}

// NewService constructs a Service with the given size cap in bytes. Inline
// content is persisted to blobs so the processor can re-read it by ref.
func NewService(
	store pipeline.IntakeStore,
	queue pipeline.JobQueue,
	fetcher pipeline.ContentFetcher,
	blobs pipeline.BlobStore,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	logger *zap.Logger,
	maxSize int64,
) *Service {
	return &Service{
		store:   store,
		queue:   queue,
		fetcher: fetcher,
		blobs:   blobs,
		hasher:  hasher,
		clock:   clock,
		ids:     ids,
		logger:  logger.Named("intake"),
		maxSize: maxSize,
	}
}

// Submit accepts, rejects, or dedupes one file. Oversize files are recorded
// in the failure sink without ever being queued; byte-identical resubmission
// of an already processed file is a no-op.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.SizeBytes > s.maxSize {
		return s.rejectOversize(ctx, req, req.SizeBytes)
	}

	content := req.Content
	if content == nil {
		if s.fetcher == nil {
			return SubmitResult{}, fmt.Errorf("no content fetcher configured for %s", req.ContentRef)
		}
		fetched, err := s.fetcher.Fetch(ctx, req.ContentRef)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("fetching %s: %w", req.ContentRef, err)
		}
		content = fetched
	}
	// The declared size is advisory; the bytes we actually hold decide.
	size := int64(len(content))
	if size > s.maxSize {
		return s.rejectOversize(ctx, req, size)
	}

	checksum, err := s.hasher.Hash(content)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("hashing content: %w", err)
	}

	contentRef := req.ContentRef
	if req.Content != nil && s.blobs != nil {
		ref, putErr := s.blobs.PutObject(ctx, checksum+"/"+req.FileName, content)
		if putErr != nil {
			return SubmitResult{}, fmt.Errorf("storing upload content: %w", putErr)
		}
		contentRef = ref
	}

	id, err := s.ids.NewID()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("generating intake id: %w", err)
	}
	now := s.clock.Now()
	rec, err := s.store.Insert(ctx, pipeline.IntakeRecord{
		ID:         id,
		FileName:   req.FileName,
		FileType:   req.FileType,
		SizeBytes:  size,
		Checksum:   checksum,
		SourceKind: req.SourceKind,
		ContentRef: contentRef,
		Status:     pipeline.JobStatusQueued,
		Created:    now,
		Updated:    now,
	})
	if errors.Is(err, pipeline.ErrDuplicateContent) {
		return s.resubmit(ctx, req, *rec)
	}
	if err != nil {
		return SubmitResult{}, fmt.Errorf("inserting intake record: %w", err)
	}

	jobID, err := s.enqueue(ctx, rec.ID, req.SourceKind)
	if err != nil {
		return SubmitResult{}, err
	}
	metrics.AddIntakeBytes(size)
	s.logger.Info("file accepted",
		zap.String("file", req.FileName),
		zap.Int64("size_bytes", size),
		zap.String("source_kind", string(req.SourceKind)))
	return SubmitResult{Outcome: OutcomeAccepted, Record: *rec, JobID: jobID}, nil
}

// Record looks up one intake record by id.
func (s *Service) Record(ctx context.Context, id string) (pipeline.IntakeRecord, error) {
	return s.store.Get(ctx, id)
}

// rejectOversize lands a failure-sink record and surfaces the size error.
// The synthetic checksum keeps repeated rejections of the same submission
// from piling up rows.
func (s *Service) rejectOversize(ctx context.Context, req SubmitRequest, size int64) (SubmitResult, error) {
	reason := fmt.Sprintf("file size %d exceeds limit %d", size, s.maxSize)
	marker, err := s.hasher.Hash([]byte(fmt.Sprintf("oversize:%s:%d:%s", req.FileName, size, req.ContentRef)))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("hashing rejection marker: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("generating intake id: %w", err)
	}
	now := s.clock.Now()
	rec, insErr := s.store.Insert(ctx, pipeline.IntakeRecord{
		ID:         id,
		FileName:   req.FileName,
		FileType:   req.FileType,
		SizeBytes:  size,
		Checksum:   marker,
		SourceKind: req.SourceKind,
		ContentRef: req.ContentRef,
		Status:     pipeline.JobStatusFailed,
		ErrorText:  reason,
		Created:    now,
		Updated:    now,
	})
	if insErr != nil && !errors.Is(insErr, pipeline.ErrDuplicateContent) {
		return SubmitResult{}, fmt.Errorf("recording oversize rejection: %w", insErr)
	}
	if histErr := s.store.AppendHistory(ctx, pipeline.IntakeHistoryEntry{
		FileName:  req.FileName,
		FileType:  req.FileType,
		ErrorText: reason,
		At:        now,
	}); histErr != nil {
		return SubmitResult{}, fmt.Errorf("recording rejection history: %w", histErr)
	}
	s.logger.Warn("file rejected", zap.String("file", req.FileName), zap.Int64("size_bytes", size))
	return SubmitResult{Outcome: OutcomeRejected, Record: *rec}, pipeline.ErrSizeLimitExceeded
}

// resubmit handles a checksum hit. Files that already processed successfully
// are left alone; failed or quarantined ones go back through the queue.
func (s *Service) resubmit(ctx context.Context, req SubmitRequest, existing pipeline.IntakeRecord) (SubmitResult, error) {
	if existing.Status == pipeline.JobStatusDone {
		s.logger.Info("duplicate content ignored",
			zap.String("file", req.FileName),
			zap.String("existing_id", existing.ID))
		return SubmitResult{Outcome: OutcomeDuplicate, Record: existing}, nil
	}
	if existing.Status.Terminal() {
		if err := s.store.UpdateStatus(ctx, existing.ID, pipeline.JobStatusQueued, existing.Attempts, ""); err != nil {
			return SubmitResult{}, fmt.Errorf("requeueing intake record: %w", err)
		}
		existing.Status = pipeline.JobStatusQueued
	}
	jobID, err := s.enqueue(ctx, existing.ID, req.SourceKind)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Outcome: OutcomeAccepted, Record: existing, JobID: jobID}, nil
}

func (s *Service) enqueue(ctx context.Context, recordID string, kind pipeline.IntakeSourceKind) (string, error) {
	priority := pipeline.PriorityDefault
	if kind == pipeline.IntakeSourceUpload {
		priority = pipeline.PriorityInteractive
	}
	jobID, err := s.queue.Enqueue(ctx, pipeline.Job{
		Kind:     pipeline.JobKindIntake,
		Source:   JobSource,
		Resource: recordID,
		Priority: priority,
	})
	if errors.Is(err, pipeline.ErrDuplicateJob) {
		return jobID, nil
	}
	if err != nil {
		return "", fmt.Errorf("enqueueing intake job: %w", err)
	}
	return jobID, nil
}
