package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scoutdata/pipeline/internal/admission"
	"github.com/scoutdata/pipeline/internal/hash/sha256"
	"github.com/scoutdata/pipeline/internal/metrics"
	"github.com/scoutdata/pipeline/internal/pipeline"
	"github.com/scoutdata/pipeline/internal/policy"
	queuemem "github.com/scoutdata/pipeline/internal/queue/memory"
	"github.com/scoutdata/pipeline/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("in-%04d", g.n), nil
}

type mapFetcher struct {
	content map[string][]byte
}

func (f *mapFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	data, ok := f.content[ref]
	if !ok {
		return nil, fmt.Errorf("no object at %s", ref)
	}
	return data, nil
}

type testEnv struct {
	svc     *Service
	store   *memory.IntakeStore
	queue   *queuemem.Queue
	fetcher *mapFetcher
	blobs   *memory.BlobStore
	clock   *fakeClock
}

func newTestEnv(t *testing.T, maxSize int64) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	ids := &seqIDGen{}
	store := memory.NewIntakeStore()
	queue := queuemem.NewQueue(
		admission.NewController(0),
		policy.NewRetryPolicy(),
		clock,
		ids,
	)
	fetcher := &mapFetcher{content: make(map[string][]byte)}
	blobs := memory.NewBlobStore()
	svc := NewService(store, queue, fetcher, blobs, sha256.New(), clock, ids, zap.NewNop(), maxSize)
	return &testEnv{svc: svc, store: store, queue: queue, fetcher: fetcher, blobs: blobs, clock: clock}
}

func TestSubmitAcceptsAndQueues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, 1024)

	res, err := env.svc.Submit(ctx, SubmitRequest{
		FileName:   "sales.json",
		FileType:   "json",
		SizeBytes:  12,
		ContentRef: "gs://drop/sales.json",
		SourceKind: pipeline.IntakeSourceUpload,
		Content:    []byte(`{"rows":[]}`),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, res.Outcome)
	require.Equal(t, pipeline.JobStatusQueued, res.Record.Status)
	require.NotEmpty(t, res.JobID)

	job, err := env.queue.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobKindIntake, job.Kind)
	require.Equal(t, res.Record.ID, job.Resource)
	require.Equal(t, pipeline.PriorityInteractive, job.Priority)
}

func TestSubmitTriggerGetsDefaultPriority(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, 1024)
	env.fetcher.content["gs://drop/events.csv"] = []byte("a,b\n1,2\n")

	res, err := env.svc.Submit(ctx, SubmitRequest{
		FileName:   "events.csv",
		FileType:   "csv",
		SizeBytes:  8,
		ContentRef: "gs://drop/events.csv",
		SourceKind: pipeline.IntakeSourceTrigger,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, res.Outcome)

	job, err := env.queue.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, pipeline.PriorityDefault, job.Priority)
}

func TestSubmitRejectsOversizeBeforeQueueing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, 200*1024*1024)

	res, err := env.svc.Submit(ctx, SubmitRequest{
		FileName:   "dump.zip",
		FileType:   "zip",
		SizeBytes:  250 * 1024 * 1024,
		ContentRef: "gs://drop/dump.zip",
		SourceKind: pipeline.IntakeSourceTrigger,
	})
	require.ErrorIs(t, err, pipeline.ErrSizeLimitExceeded)
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Equal(t, pipeline.JobStatusFailed, res.Record.Status)

	// Never queued: no job exists for the record.
	job, err := env.queue.FindJob(ctx, "intake", res.Record.ID)
	require.NoError(t, err)
	require.Nil(t, job)

	history := env.store.History()
	require.Len(t, history, 1)
	require.Equal(t, "dump.zip", history[0].FileName)
	require.Contains(t, history[0].ErrorText, "exceeds limit")
}

func TestSubmitRejectsWhenActualBytesExceedCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, 16)

	// Declared size fits but the fetched object does not.
	env.fetcher.content["gs://drop/big.json"] = bytes.Repeat([]byte("x"), 64)
	_, err := env.svc.Submit(ctx, SubmitRequest{
		FileName:   "big.json",
		FileType:   "json",
		SizeBytes:  8,
		ContentRef: "gs://drop/big.json",
		SourceKind: pipeline.IntakeSourceTrigger,
	})
	require.ErrorIs(t, err, pipeline.ErrSizeLimitExceeded)
}

func TestSubmitDuplicateAfterSuccessIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, 1024)
	content := []byte(`{"rows":[1]}`)

	first, err := env.svc.Submit(ctx, SubmitRequest{
		FileName:   "sales.json",
		FileType:   "json",
		SizeBytes:  int64(len(content)),
		ContentRef: "gs://drop/sales.json",
		SourceKind: pipeline.IntakeSourceUpload,
		Content:    content,
	})
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateStatus(ctx, first.Record.ID, pipeline.JobStatusDone, 1, ""))

	// Same bytes under a new name still dedupe.
	dup, err := env.svc.Submit(ctx, SubmitRequest{
		FileName:   "sales-copy.json",
		FileType:   "json",
		SizeBytes:  int64(len(content)),
		ContentRef: "gs://drop/sales-copy.json",
		SourceKind: pipeline.IntakeSourceUpload,
		Content:    content,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, dup.Outcome)
	require.Equal(t, first.Record.ID, dup.Record.ID)
	require.Empty(t, dup.JobID)
}

func TestSubmitDuplicateAfterFailureRequeues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, 1024)
	content := []byte(`{"rows":[2]}`)

	first, err := env.svc.Submit(ctx, SubmitRequest{
		FileName:   "sales.json",
		FileType:   "json",
		SizeBytes:  int64(len(content)),
		ContentRef: "gs://drop/sales.json",
		SourceKind: pipeline.IntakeSourceUpload,
		Content:    content,
	})
	require.NoError(t, err)

	// Simulate the queue draining the job and the handler failing permanently.
	claimed, err := env.queue.ClaimNext(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, env.queue.Fail(ctx, claimed.ID, "bad payload", true))
	require.NoError(t, env.store.UpdateStatus(ctx, first.Record.ID, pipeline.JobStatusFailed, 1, "bad payload"))

	again, err := env.svc.Submit(ctx, SubmitRequest{
		FileName:   "sales.json",
		FileType:   "json",
		SizeBytes:  int64(len(content)),
		ContentRef: "gs://drop/sales.json",
		SourceKind: pipeline.IntakeSourceUpload,
		Content:    content,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, again.Outcome)
	require.NotEmpty(t, again.JobID)

	rec, err := env.store.Get(ctx, first.Record.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusQueued, rec.Status)
}

type stubHandler struct {
	result pipeline.HandlerResult
	err    error
	delay  time.Duration
	clock  *fakeClock
}

func (h *stubHandler) Handle(context.Context, pipeline.IntakeRecord, []byte) (pipeline.HandlerResult, error) {
	if h.delay > 0 {
		h.clock.Advance(h.delay)
	}
	return h.result, h.err
}

func newTestProcessor(env *testEnv, handlers map[string]pipeline.FormatHandler) *Processor {
	return NewProcessor(env.store, env.blobs, env.clock, zap.NewNop(), handlers)
}

func submitFile(t *testing.T, env *testEnv, name, fileType string, content []byte) pipeline.IntakeRecord {
	t.Helper()
	res, err := env.svc.Submit(context.Background(), SubmitRequest{
		FileName:   name,
		FileType:   fileType,
		SizeBytes:  int64(len(content)),
		ContentRef: "gs://drop/" + name,
		SourceKind: pipeline.IntakeSourceUpload,
		Content:    content,
	})
	require.NoError(t, err)
	env.fetcher.content["gs://drop/"+name] = content
	return res.Record
}

func TestProcessDispatchesToHandler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, 1024)
	rec := submitFile(t, env, "sales.json", "json", []byte(`{"rows":[1,2]}`))

	proc := newTestProcessor(env, map[string]pipeline.FormatHandler{
		"json": &stubHandler{result: pipeline.HandlerResult{RecordsProcessed: 2}},
	})
	result, err := proc.Process(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, 2, result.RecordsProcessed)

	updated, err := env.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusDone, updated.Status)
	require.Equal(t, 1, updated.Attempts)
}

func TestProcessUnknownTypeIsPermanent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, 1024)
	rec := submitFile(t, env, "report.xlsx", "xlsx", []byte("binary"))

	proc := newTestProcessor(env, map[string]pipeline.FormatHandler{})
	_, err := proc.Process(ctx, rec.ID)
	require.Error(t, err)
	require.False(t, pipeline.Transient(err))

	updated, err := env.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusFailed, updated.Status)

	history := env.store.History()
	require.Len(t, history, 1)
	require.Contains(t, history[0].ErrorText, "unsupported file type")
}

func TestProcessHandlerErrorLogsHistoryWithElapsed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, 1024)
	rec := submitFile(t, env, "events.csv", "csv", []byte("a,b\n"))

	proc := newTestProcessor(env, map[string]pipeline.FormatHandler{
		"csv": &stubHandler{
			err:   errors.New("connection reset"),
			delay: 340 * time.Millisecond,
			clock: env.clock,
		},
	})
	_, err := proc.Process(ctx, rec.ID)
	require.ErrorContains(t, err, "connection reset")
	require.True(t, pipeline.Transient(err))

	updated, err := env.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusQueued, updated.Status)
	require.Equal(t, 1, updated.Attempts)

	history := env.store.History()
	require.Len(t, history, 1)
	require.Equal(t, 1, history[0].Attempt)
	require.Equal(t, int64(340), history[0].ElapsedMs)
}

func TestObjectCreatedEventFileType(t *testing.T) {
	t.Parallel()
	cases := []struct {
		mime string
		path string
		want string
	}{
		{"application/json", "drops/a.bin", "json"},
		{"text/csv", "drops/a.bin", "csv"},
		{"application/zip", "drops/a.bin", "zip"},
		{"application/octet-stream", "drops/a.csv", "csv"},
		{"", "drops/a.json", "json"},
		{"", "drops/noext", ""},
	}
	for _, tc := range cases {
		ev := ObjectCreatedEvent{Bucket: "drop", Path: tc.path, MimeType: tc.mime}
		require.Equal(t, tc.want, ev.FileType(), "mime=%q path=%q", tc.mime, tc.path)
	}
}

func TestSplitRef(t *testing.T) {
	t.Parallel()
	bucket, object, err := splitRef("gs://drop/2024/sales.json")
	require.NoError(t, err)
	require.Equal(t, "drop", bucket)
	require.Equal(t, "2024/sales.json", object)

	_, _, err = splitRef("s3://drop/sales.json")
	require.Error(t, err)
	_, _, err = splitRef("gs://droponly")
	require.Error(t, err)
}

func TestSubmitStoresInlineContentInBlobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, 1024)

	payload := []byte(`{"rows":[]}`)
	res, err := env.svc.Submit(ctx, SubmitRequest{
		FileName:   "sales.json",
		FileType:   "json",
		SizeBytes:  int64(len(payload)),
		ContentRef: "upload://sales.json",
		SourceKind: pipeline.IntakeSourceUpload,
		Content:    payload,
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.Record.ContentRef, "memory://"), res.Record.ContentRef)

	got, err := env.blobs.Fetch(ctx, res.Record.ContentRef)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestRouterFetcherDispatchesByScheme(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blobs := memory.NewBlobStore()
	ref, err := blobs.PutObject(ctx, "abc/sales.json", []byte("blob-bytes"))
	require.NoError(t, err)
	gcs := &mapFetcher{content: map[string][]byte{"gs://drop/sales.json": []byte("gcs-bytes")}}

	router := NewRouterFetcher(map[string]pipeline.ContentFetcher{
		"memory": blobs,
		"gs":     gcs,
		"s3":     nil,
	})

	got, err := router.Fetch(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, []byte("blob-bytes"), got)

	got, err = router.Fetch(ctx, "gs://drop/sales.json")
	require.NoError(t, err)
	require.Equal(t, []byte("gcs-bytes"), got)

	_, err = router.Fetch(ctx, "s3://drop/sales.json")
	require.Error(t, err)
	_, err = router.Fetch(ctx, "no-scheme")
	require.Error(t, err)
}

func TestQuarantineMarksRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, 1024)
	rec := submitFile(t, env, "sales.json", "json", []byte(`{"rows":[]}`))

	proc := newTestProcessor(env, map[string]pipeline.FormatHandler{})
	require.NoError(t, proc.Quarantine(ctx, rec.ID, "retry budget exhausted"))

	updated, err := env.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusQuarantined, updated.Status)
	require.Equal(t, "retry budget exhausted", updated.ErrorText)

	require.Error(t, proc.Quarantine(ctx, "missing-record", "whatever"))
}

func TestObjectRefRoundTrip(t *testing.T) {
	t.Parallel()
	ref := objectRef("drop", "2024/sales.json")
	require.Equal(t, "gs://drop/2024/sales.json", ref)

	bucket, object, err := splitRef(ref)
	require.NoError(t, err)
	require.Equal(t, "drop", bucket)
	require.Equal(t, "2024/sales.json", object)
}

func TestNewGCSBlobStoreValidates(t *testing.T) {
	t.Parallel()
	_, err := NewGCSBlobStore(nil, "drop")
	require.Error(t, err)
	_, err = NewGCSBlobStore(&storage.Client{}, "")
	require.Error(t, err)
}
