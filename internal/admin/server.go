// Package admin exposes the operational HTTP interface for the pipeline.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scoutdata/pipeline/internal/admission"
	"github.com/scoutdata/pipeline/internal/config"
	"github.com/scoutdata/pipeline/internal/intake"
	"github.com/scoutdata/pipeline/internal/metrics"
	"github.com/scoutdata/pipeline/internal/pipeline"
)

// Server wires HTTP handlers to the queue and stores.
type Server struct {
	router    chi.Router
	queue     pipeline.JobQueue
	results   pipeline.ResultStore
	lake      pipeline.LakeStore
	admission *admission.Controller
	intake    *intake.Service
	clock     pipeline.Clock
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	queue pipeline.JobQueue,
	results pipeline.ResultStore,
	lake pipeline.LakeStore,
	adm *admission.Controller,
	intakeSvc *intake.Service,
	clock pipeline.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		queue:     queue,
		results:   results,
		lake:      lake,
		admission: adm,
		intake:    intakeSvc,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("admin"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/seed", s.seed)
		r.Post("/domains/{domain}/throttle", s.throttle)
		r.Post("/quarantine/{source}", s.quarantine)
		r.Post("/release", s.release)
		r.Post("/emergency-stop", s.emergencyStop)
		r.Post("/retry-failed", s.retryFailed)
		r.Post("/intake/upload", s.upload)
		r.Get("/health", s.health)
		r.Get("/resources/{source}/*", s.inspectResource)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type seedRequest struct {
	Source string   `json:"source"`
	URLs   []string `json:"urls"`
}

func (s *Server) seed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Source == "" || len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "source and urls required")
		return
	}
	jobIDs := make([]string, 0, len(req.URLs))
	duplicates := 0
	for _, u := range req.URLs {
		id, err := s.queue.Enqueue(r.Context(), pipeline.Job{
			Kind:     pipeline.JobKindFetch,
			Source:   req.Source,
			Resource: u,
			Priority: pipeline.PriorityDefault,
		})
		if errors.Is(err, pipeline.ErrDuplicateJob) {
			duplicates++
			jobIDs = append(jobIDs, id)
			continue
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		jobIDs = append(jobIDs, id)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_ids":    jobIDs,
		"duplicates": duplicates,
	})
}

type throttleRequest struct {
	SpacingMs int `json:"spacing_ms"`
}

func (s *Server) throttle(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	var req throttleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SpacingMs <= 0 {
		writeError(w, http.StatusBadRequest, "spacing_ms must be a positive integer")
		return
	}
	spacing := time.Duration(req.SpacingMs) * time.Millisecond
	s.admission.Throttle(domain, spacing)
	s.logger.Info("domain throttled",
		zap.String("domain", domain),
		zap.Duration("spacing", spacing))
	writeJSON(w, http.StatusOK, s.admission.State(domain))
}

type quarantineRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) quarantine(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	var req quarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason required")
		return
	}
	n, err := s.queue.Quarantine(r.Context(), source, req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Warn("source quarantined",
		zap.String("source", source),
		zap.String("reason", req.Reason),
		zap.Int("jobs", n))
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "quarantined": n})
}

type releaseRequest struct {
	Selector string `json:"selector"`
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Selector == "" {
		writeError(w, http.StatusBadRequest, "selector required")
		return
	}
	n, err := s.queue.Release(r.Context(), req.Selector)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"selector": req.Selector, "released": n})
}

func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.RequeueRunning(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	spacing := s.cfg.EmergencySpacing()
	s.admission.RaiseAll(spacing)
	s.logger.Warn("emergency stop",
		zap.Int("requeued", n),
		zap.Duration("spacing", spacing))
	writeJSON(w, http.StatusOK, map[string]any{
		"requeued":   n,
		"spacing_ms": spacing.Milliseconds(),
	})
}

type retryFailedRequest struct {
	Resource string `json:"resource"`
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	var req retryFailedRequest
	// An empty body means retry everything.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	n, err := s.queue.RetryFailed(r.Context(), req.Resource)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": n})
}

const uploadMemoryLimit = 32 << 20

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(uploadMemoryLimit); err != nil {
		writeError(w, http.StatusBadRequest, "multipart form required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, s.cfg.Intake.MaxSizeBytes+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading upload")
		return
	}
	fileType := r.FormValue("type")
	if fileType == "" {
		fileType = trimExt(header.Filename)
	}
	// The read is capped, so an oversize rejection records the multipart
	// header's size rather than the truncation point.
	size := header.Size
	if size <= 0 {
		size = int64(len(content))
	}
	result, err := s.intake.Submit(r.Context(), intake.SubmitRequest{
		FileName:   header.Filename,
		FileType:   fileType,
		SizeBytes:  size,
		ContentRef: "upload://" + header.Filename,
		SourceKind: pipeline.IntakeSourceUpload,
		Content:    content,
	})
	if errors.Is(err, pipeline.ErrSizeLimitExceeded) {
		writeJSON(w, http.StatusRequestEntityTooLarge, result)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	if len(ext) > 1 {
		return ext[1:]
	}
	return ""
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context(), s.clock.Now().Add(-24*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.SetQueueDepth(stats.QueueDepth)
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) inspectResource(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	resource := chi.URLParam(r, "*")
	if resource == "" {
		writeError(w, http.StatusBadRequest, "resource path required")
		return
	}

	job, err := s.queue.FindJob(r.Context(), source, resource)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	result, err := s.results.Get(r.Context(), source, resource)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil && result == nil {
		writeError(w, http.StatusNotFound, "resource not known")
		return
	}
	// Normalized rows key on the originating file name, so only intake jobs
	// have downstream records; their job resource is the intake record id.
	var count int
	if source == intake.JobSource {
		rec, rerr := s.intake.Record(r.Context(), resource)
		switch {
		case rerr == nil:
			count, err = s.lake.CountNormalizedBySource(r.Context(), rec.FileName)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		case !errors.Is(rerr, pipeline.ErrNotFound):
			writeError(w, http.StatusInternalServerError, rerr.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, pipeline.ResourceInspection{
		Job:             job,
		Result:          result,
		DownstreamCount: count,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
