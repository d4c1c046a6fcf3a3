// Package executor provides the default HTTP fetch executor. It performs a
// conditional GET against the resource and fingerprints the body; parsing and
// link discovery belong to downstream collaborators.
package executor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

const defaultMaxBody = 8 << 20

// Config controls HTTPExecutor behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	MaxBody   int64
}

// HTTPExecutor fetches a resource over HTTP, using the prior result's ETag
// and Last-Modified for conditional requests.
type HTTPExecutor struct {
	client *http.Client
	hasher pipeline.Hasher
	cfg    Config
}

// New builds an HTTPExecutor.
func New(hasher pipeline.Hasher, cfg Config) *HTTPExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	return &HTTPExecutor{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newTransport(),
		},
		hasher: hasher,
		cfg:    cfg,
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
}

// Execute performs the fetch. Server errors and transport failures are
// transient; client errors other than 429 are permanent. A 304 keeps the
// prior fingerprint.
func (e *HTTPExecutor) Execute(ctx context.Context, job pipeline.Job, prior *pipeline.ResultEntry) (pipeline.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.Resource, nil)
	if err != nil {
		return pipeline.FetchResult{}, &pipeline.PermanentError{Err: fmt.Errorf("building request: %w", err)}
	}
	if e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}
	if prior != nil {
		if prior.ETag != "" {
			req.Header.Set("If-None-Match", prior.ETag)
		}
		if prior.LastModified != "" {
			req.Header.Set("If-Modified-Since", prior.LastModified)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return pipeline.FetchResult{}, &pipeline.TransientError{Err: fmt.Errorf("fetching %s: %w", job.Resource, err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return notModified(resp, prior), nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return pipeline.FetchResult{}, &pipeline.TransientError{
			Err: fmt.Errorf("fetching %s: status %d", job.Resource, resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		return pipeline.FetchResult{}, &pipeline.PermanentError{
			Err: fmt.Errorf("fetching %s: status %d", job.Resource, resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBody))
	if err != nil {
		return pipeline.FetchResult{}, &pipeline.TransientError{Err: fmt.Errorf("reading %s: %w", job.Resource, err)}
	}
	fingerprint, err := e.hasher.Hash(body)
	if err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("fingerprinting body: %w", err)
	}

	return pipeline.FetchResult{
		HTTPStatus:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Fingerprint:  fingerprint,
		ParseStatus:  pipeline.ParseStatusUnknown,
	}, nil
}

func notModified(resp *http.Response, prior *pipeline.ResultEntry) pipeline.FetchResult {
	result := pipeline.FetchResult{
		HTTPStatus:  http.StatusNotModified,
		ETag:        resp.Header.Get("ETag"),
		ParseStatus: pipeline.ParseStatusUnknown,
	}
	if prior != nil {
		if result.ETag == "" {
			result.ETag = prior.ETag
		}
		result.LastModified = prior.LastModified
		result.Fingerprint = prior.Fingerprint
		result.ParseStatus = prior.ParseStatus
	}
	return result
}
