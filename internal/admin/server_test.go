package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scoutdata/pipeline/internal/admission"
	"github.com/scoutdata/pipeline/internal/config"
	"github.com/scoutdata/pipeline/internal/hash/sha256"
	"github.com/scoutdata/pipeline/internal/intake"
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

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

type nullFetcher struct{}

func (nullFetcher) Fetch(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("no fetcher in tests")
}

type serverEnv struct {
	server *Server
	queue  *queuemem.Queue
	lake   *memory.LakeStore
	clock  *fakeClock
}

func newServerEnv(t *testing.T, cfg config.Config) *serverEnv {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	ids := &seqIDGen{}
	adm := admission.NewController(cfg.DefaultSpacing())
	queue := queuemem.NewQueue(adm, policy.NewRetryPolicy(), clock, ids)
	results := memory.NewResultStore()
	lake := memory.NewLakeStore()
	intakeSvc := intake.NewService(
		memory.NewIntakeStore(), queue, nullFetcher{}, memory.NewBlobStore(),
		sha256.New(), clock, ids, zap.NewNop(), cfg.Intake.MaxSizeBytes,
	)
	srv := NewServer(queue, results, lake, adm, intakeSvc, clock, cfg, zap.NewNop())
	return &serverEnv{server: srv, queue: queue, lake: lake, clock: clock}
}

func testConfig() config.Config {
	cfg := config.Config{}
	cfg.Intake.MaxSizeBytes = 1024
	cfg.Admission.EmergencySpacingMs = 3600000
	return cfg
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSeedEnqueuesAndReportsDuplicates(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, testConfig())

	rec := doJSON(t, env.server, http.MethodPost, "/v1/seed", seedRequest{
		Source: "shop.example",
		URLs:   []string{"https://shop.example/a", "https://shop.example/b"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		JobIDs     []string `json:"job_ids"`
		Duplicates int      `json:"duplicates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.JobIDs, 2)
	require.Zero(t, resp.Duplicates)

	// Seeding the same URLs again is a no-op returning the existing IDs.
	rec = doJSON(t, env.server, http.MethodPost, "/v1/seed", seedRequest{
		Source: "shop.example",
		URLs:   []string{"https://shop.example/a", "https://shop.example/b"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var again struct {
		JobIDs     []string `json:"job_ids"`
		Duplicates int      `json:"duplicates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	require.Equal(t, resp.JobIDs, again.JobIDs)
	require.Equal(t, 2, again.Duplicates)
}

func TestSeedValidatesInput(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, testConfig())
	rec := doJSON(t, env.server, http.MethodPost, "/v1/seed", seedRequest{Source: "shop.example"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThrottleUpdatesDomainSpacing(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, testConfig())

	rec := doJSON(t, env.server, http.MethodPost, "/v1/domains/shop.example/throttle",
		throttleRequest{SpacingMs: 5000})
	require.Equal(t, http.StatusOK, rec.Code)

	var state pipeline.DomainState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Equal(t, 5*time.Second, state.MinSpacing)
}

func TestQuarantineAndRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newServerEnv(t, testConfig())

	doJSON(t, env.server, http.MethodPost, "/v1/seed", seedRequest{
		Source: "bad.example",
		URLs:   []string{"https://bad.example/a", "https://bad.example/b"},
	})

	rec := doJSON(t, env.server, http.MethodPost, "/v1/quarantine/bad.example",
		quarantineRequest{Reason: "source serving garbage"})
	require.Equal(t, http.StatusOK, rec.Code)
	var qResp struct {
		Quarantined int `json:"quarantined"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &qResp))
	require.Equal(t, 2, qResp.Quarantined)

	// Nothing claimable while quarantined.
	job, err := env.queue.ClaimNext(ctx, "w-1")
	require.NoError(t, err)
	require.Nil(t, job)

	rec = doJSON(t, env.server, http.MethodPost, "/v1/release",
		releaseRequest{Selector: "bad.example"})
	require.Equal(t, http.StatusOK, rec.Code)
	var rResp struct {
		Released int `json:"released"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rResp))
	require.Equal(t, 2, rResp.Released)

	job, err = env.queue.ClaimNext(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestEmergencyStopRequeuesAndRaisesSpacing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newServerEnv(t, testConfig())

	doJSON(t, env.server, http.MethodPost, "/v1/seed", seedRequest{
		Source: "shop.example",
		URLs:   []string{"https://shop.example/a"},
	})
	claimed, err := env.queue.ClaimNext(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	rec := doJSON(t, env.server, http.MethodPost, "/v1/emergency-stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Requeued  int   `json:"requeued"`
		SpacingMs int64 `json:"spacing_ms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Requeued)
	require.Equal(t, int64(3600000), resp.SpacingMs)

	job, err := env.queue.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusQueued, job.Status)
	require.Empty(t, job.LeaseOwner)
}

func TestRetryFailedWithEmptyBody(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newServerEnv(t, testConfig())

	doJSON(t, env.server, http.MethodPost, "/v1/seed", seedRequest{
		Source: "shop.example",
		URLs:   []string{"https://shop.example/a"},
	})
	claimed, err := env.queue.ClaimNext(ctx, "w-1")
	require.NoError(t, err)
	require.NoError(t, env.queue.Fail(ctx, claimed.ID, "410 gone", true))

	req := httptest.NewRequest(http.MethodPost, "/v1/retry-failed", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Retried int `json:"retried"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Retried)
}

func TestHealthReportsQueueStats(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, testConfig())

	doJSON(t, env.server, http.MethodPost, "/v1/seed", seedRequest{
		Source: "shop.example",
		URLs:   []string{"https://shop.example/a", "https://shop.example/b"},
	})

	rec := doJSON(t, env.server, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health pipeline.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, 2, health.QueueDepth)
	require.Zero(t, health.Running)
}

func TestInspectResource(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, testConfig())

	doJSON(t, env.server, http.MethodPost, "/v1/seed", seedRequest{
		Source: "shop.example",
		URLs:   []string{"https://shop.example/items/1"},
	})

	rec := doJSON(t, env.server, http.MethodGet,
		"/v1/resources/shop.example/https://shop.example/items/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var insp pipeline.ResourceInspection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &insp))
	require.NotNil(t, insp.Job)
	require.Equal(t, pipeline.JobStatusQueued, insp.Job.Status)

	rec = doJSON(t, env.server, http.MethodGet,
		"/v1/resources/shop.example/https://shop.example/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInspectIntakeResourceCountsDownstream(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newServerEnv(t, testConfig())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "sales.json")
	require.NoError(t, err)
	_, err = part.Write([]byte(`{"entries":[{"transaction_id":"t1"},{"transaction_id":"t2"}]}`))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/intake/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted intake.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	for i, key := range []string{"transaction_id:t1", "transaction_id:t2"} {
		require.NoError(t, env.lake.UpsertNormalized(ctx, pipeline.NormalizedRecord{
			NaturalKey: key,
			SourceFile: "sales.json",
			EventTime:  env.clock.Now().Add(time.Duration(i) * time.Second),
			PromotedAt: env.clock.Now(),
		}))
	}

	rec = doJSON(t, env.server, http.MethodGet,
		"/v1/resources/intake/"+submitted.Record.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var insp pipeline.ResourceInspection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &insp))
	require.NotNil(t, insp.Job)
	require.Equal(t, 2, insp.DownstreamCount)
}

func TestUploadAcceptsFile(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, testConfig())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "sales.json")
	require.NoError(t, err)
	_, err = part.Write([]byte(`{"rows":[]}`))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/intake/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var result intake.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, intake.OutcomeAccepted, result.Outcome)
	require.Equal(t, "json", result.Record.FileType)
	require.NotEmpty(t, result.JobID)
}

func TestUploadRejectsOversize(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t, testConfig())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "huge.json")
	require.NoError(t, err)
	_, err = part.Write(bytes.Repeat([]byte("x"), 2048))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/intake/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// The sink record carries the upload's real size, not the capped read.
	var result intake.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, intake.OutcomeRejected, result.Outcome)
	require.Equal(t, int64(2048), result.Record.SizeBytes)
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekret"
	env := newServerEnv(t, cfg)

	rec := doJSON(t, env.server, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("X-API-Key", "sekret")
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	// Liveness stays open for probes.
	rec = doJSON(t, env.server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
