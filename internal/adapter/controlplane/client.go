// Package controlplane talks to the REST control plane that owns job and
// asset state. Status patches are best-effort so a flaky control plane never
// stalls a running processor; lookups and creates surface their errors.
package controlplane

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/influencerai/worker/internal/adapter/observability"
	"github.com/influencerai/worker/internal/config"
	"github.com/influencerai/worker/internal/domain"
)

const (
	patchAttempts = 2
	patchDelay    = 200 * time.Millisecond
)

// Client implements domain.ControlPlane over JSON/HTTP.
type Client struct {
	hc      *http.Client
	baseURL string

	// patch retry knobs, fixed in New and relaxed only by tests
	attempts int
	delay    time.Duration
}

// New builds the client from worker configuration.
func New(cfg config.Config) *Client {
	return &Client{
		hc:       &http.Client{Timeout: cfg.APITimeout()},
		baseURL:  strings.TrimSuffix(cfg.APIBaseURL, "/"),
		attempts: patchAttempts,
		delay:    patchDelay,
	}
}

// PatchJob updates job status/result on the control plane. It retries once
// with a linear delay and on final failure logs a warning and returns nil.
// An empty jobID is a no-op so processors handling direct submissions never
// hit the control plane with a bogus path.
func (c *Client) PatchJob(ctx domain.Context, jobID string, patch domain.JobPatch) error {
	if jobID == "" {
		slog.Debug("skipping job patch without job id", slog.String("status", string(patch.Status)))
		return nil
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("op=controlplane.PatchJob job_id=%s: %w", jobID, err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		lastErr = c.do(ctx, http.MethodPatch, "/jobs/"+jobID, body, nil)
		if lastErr == nil {
			return nil
		}
		if attempt < c.attempts {
			select {
			case <-time.After(c.delay * time.Duration(attempt)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = c.attempts
			}
		}
	}
	slog.Warn("job patch failed, giving up",
		slog.String("job_id", jobID),
		slog.String("status", string(patch.Status)),
		slog.Any("error", lastErr))
	return nil
}

// CreateJob submits a new job and returns its control-plane id.
func (c *Client) CreateJob(ctx domain.Context, req domain.CreateJobRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("op=controlplane.CreateJob: %w", err)
	}
	var out struct {
		ID    string `json:"id"`
		JobID string `json:"jobId"`
	}
	if err := c.do(ctx, http.MethodPost, "/jobs", body, &out); err != nil {
		return "", fmt.Errorf("op=controlplane.CreateJob type=%s: %w", req.Type, err)
	}
	if out.ID != "" {
		return out.ID, nil
	}
	return out.JobID, nil
}

// CreateAsset records a produced asset against a job.
func (c *Client) CreateAsset(ctx domain.Context, rec domain.AssetRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=controlplane.CreateAsset: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, "/assets", body, nil); err != nil {
		return fmt.Errorf("op=controlplane.CreateAsset job_id=%s: %w", rec.JobID, err)
	}
	return nil
}

// GetDataset fetches dataset metadata by id.
func (c *Client) GetDataset(ctx domain.Context, id string) (domain.Dataset, error) {
	var out domain.Dataset
	if err := c.do(ctx, http.MethodGet, "/datasets/"+id, nil, &out); err != nil {
		return domain.Dataset{}, fmt.Errorf("op=controlplane.GetDataset id=%s: %w", id, err)
	}
	return out, nil
}

// GetLoraConfig fetches a stored training configuration by id.
func (c *Client) GetLoraConfig(ctx domain.Context, id string) (domain.LoraTrainingConfig, error) {
	var out domain.LoraTrainingConfig
	if err := c.do(ctx, http.MethodGet, "/lora-configs/"+id, nil, &out); err != nil {
		return domain.LoraTrainingConfig{}, fmt.Errorf("op=controlplane.GetLoraConfig id=%s: %w", id, err)
	}
	return out, nil
}

func (c *Client) do(ctx domain.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	observability.ObserveControlPlaneOp(method+" "+route(path), time.Since(start))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &domain.HTTPError{Status: resp.StatusCode, Body: string(data), URL: c.baseURL + path, Method: method}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// route strips the resource id so metric labels stay low-cardinality.
func route(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	return "/" + parts[0]
}
