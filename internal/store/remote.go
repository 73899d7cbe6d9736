package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"scene-pipeline/internal/models"
	"scene-pipeline/internal/telemetry"
)

// Sentinel remote failures the synchronizer branches on. Any other error from
// the remote tier is a generic transport or server failure.
var (
	ErrUnauthorized   = errors.New("remote store: invalid storage key")
	ErrNotFound       = errors.New("remote store: not found")
	ErrRemoteDisabled = errors.New("remote store: not configured")
)

// StorageKeyHeader carries the caller's storage credential. Its absence on a
// client means remote-disabled mode.
const StorageKeyHeader = "X-Storage-Key"

// Remote is the HTTP client for the authoritative job store. Every call is
// bounded by the client timeout.
type Remote struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewRemote builds a remote-tier client. An empty apiKey or baseURL leaves
// the client disabled.
func NewRemote(baseURL, apiKey string, timeout time.Duration) *Remote {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether remote operations may be attempted at all.
func (r *Remote) Enabled() bool {
	return r != nil && r.baseURL != "" && r.apiKey != ""
}

// Get fetches one job.
func (r *Remote) Get(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	if err := r.do(ctx, http.MethodGet, "/jobs/"+id, nil, &job); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// List fetches all jobs.
func (r *Remote) List(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	if err := r.do(ctx, http.MethodGet, "/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Put upserts one job, body = full job.
func (r *Remote) Put(ctx context.Context, job models.Job) error {
	return r.do(ctx, http.MethodPut, "/jobs/"+job.ID, job, nil)
}

// Delete removes one job.
func (r *Remote) Delete(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodDelete, "/jobs/"+id, nil, nil)
}

// Clear removes every job.
func (r *Remote) Clear(ctx context.Context) error {
	return r.do(ctx, http.MethodDelete, "/jobs", nil, nil)
}

func (r *Remote) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(StorageKeyHeader, r.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := r.http.Do(req)
	telemetry.RemoteLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("remote %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("remote %s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode remote response: %w", err)
		}
	}
	return nil
}
