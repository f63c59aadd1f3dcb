// Package comfyui drives a ComfyUI server over its HTTP API: submit a prompt
// graph, poll history until the run reaches a terminal state, and download
// produced assets.
package comfyui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/influencerai/worker/internal/adapter/observability"
	"github.com/influencerai/worker/internal/config"
	"github.com/influencerai/worker/internal/domain"
)

const (
	submitAttempts = 3
	submitDelay    = 500 * time.Millisecond

	maxBodySnippet = 2048
)

// Client implements domain.GraphRunner.
type Client struct {
	hc           *http.Client
	baseURL      string
	clientID     string
	pollInterval time.Duration
	maxPolls     int
}

// New builds the client from worker configuration. A missing client id gets
// a generated one so history entries stay attributable to this process.
func New(cfg config.Config) *Client {
	clientID := cfg.ComfyUIClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &Client{
		hc:           &http.Client{Timeout: cfg.ComfyUITimeout()},
		baseURL:      strings.TrimSuffix(cfg.ComfyUIAPIURL, "/"),
		clientID:     clientID,
		pollInterval: cfg.ComfyUIPollInterval(),
		maxPolls:     cfg.ComfyUIMaxPollAttempts,
	}
}

// SubmitAndWait submits the workflow augmented with opts and polls history
// until the prompt reaches a terminal state.
func (c *Client) SubmitAndWait(ctx domain.Context, workflow map[string]any, opts domain.GraphSubmit) (domain.GraphResult, error) {
	augment(workflow, opts)

	promptID, err := c.submit(ctx, workflow)
	if err != nil {
		return domain.GraphResult{}, err
	}
	slog.Info("prompt submitted", slog.String("prompt_id", promptID))

	start := time.Now()
	res, err := c.waitForHistory(ctx, promptID)
	observability.ObserveGraphRun(time.Since(start), err == nil)
	return res, err
}

// augment merges job inputs and metadata into the workflow in place. The
// caller owns the map; shared base workflows must be cloned per job before
// reaching this point.
func augment(workflow map[string]any, opts domain.GraphSubmit) {
	if len(opts.Inputs) > 0 {
		inputs, _ := workflow["inputs"].(map[string]any)
		if inputs == nil {
			inputs = make(map[string]any, len(opts.Inputs))
		}
		for k, v := range opts.Inputs {
			inputs[k] = v
		}
		workflow["inputs"] = inputs
	}
	if len(opts.Metadata) > 0 {
		extra, _ := workflow["extra_data"].(map[string]any)
		if extra == nil {
			extra = make(map[string]any, 1)
		}
		meta, _ := extra["metadata"].(map[string]any)
		if meta == nil {
			meta = make(map[string]any, len(opts.Metadata))
		}
		for k, v := range opts.Metadata {
			meta[k] = v
		}
		extra["metadata"] = meta
		workflow["extra_data"] = extra
	}
}

func (c *Client) submit(ctx domain.Context, workflow map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{"client_id": c.clientID, "prompt": workflow})
	if err != nil {
		return "", fmt.Errorf("op=comfyui.submit: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("op=comfyui.submit: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			return "", fmt.Errorf("ComfyUI unreachable at %s: %w", c.baseURL, err)
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return "", fmt.Errorf("op=comfyui.submit: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return extractPromptID(data)
		}
		lastErr = &domain.HTTPError{
			Status: resp.StatusCode,
			Body:   snippet(data),
			URL:    c.baseURL + "/prompt",
			Method: http.MethodPost,
		}
		if resp.StatusCode != http.StatusServiceUnavailable {
			return "", lastErr
		}
		slog.Warn("ComfyUI busy, retrying submit", slog.Int("attempt", attempt))
		if attempt < submitAttempts {
			select {
			case <-time.After(submitDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

func extractPromptID(data []byte) (string, error) {
	var out struct {
		PromptID string `json:"prompt_id"`
		ID       string `json:"id"`
		JobID    string `json:"job_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("op=comfyui.submit: decode response: %w", err)
	}
	for _, id := range []string{out.PromptID, out.ID, out.JobID} {
		if id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("ComfyUI response missing prompt id: %s", snippet(data))
}

func (c *Client) waitForHistory(ctx domain.Context, promptID string) (domain.GraphResult, error) {
	for attempt := 1; attempt <= c.maxPolls; attempt++ {
		entry, err := c.fetchHistory(ctx, promptID)
		if err != nil {
			if ctx.Err() != nil {
				return domain.GraphResult{}, ctx.Err()
			}
			// transient: not in history yet, parse failure, or network blip
			slog.Debug("history poll", slog.String("prompt_id", promptID), slog.Int("attempt", attempt), slog.Any("error", err))
		} else if entry != nil {
			switch state, msg := entryState(entry); state {
			case "succeeded":
				outputs, _ := entry["outputs"].(map[string]any)
				return domain.GraphResult{PromptID: promptID, Outputs: outputs}, nil
			case "failed":
				if msg == "" {
					msg = "unknown error"
				}
				return domain.GraphResult{}, fmt.Errorf("ComfyUI job %s failed: %s", promptID, msg)
			}
		}
		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return domain.GraphResult{}, ctx.Err()
		}
	}
	return domain.GraphResult{}, fmt.Errorf("%w: ComfyUI job %s did not finish after %d polls", domain.ErrTimeout, promptID, c.maxPolls)
}

// fetchHistory returns the history entry for promptID, nil when the prompt
// is not terminal yet, or an error for transient conditions.
func (c *Client) fetchHistory(ctx domain.Context, promptID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.HTTPError{Status: resp.StatusCode, Body: snippet(data), URL: c.baseURL + "/history/" + promptID, Method: http.MethodGet}
	}
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return resolveHistoryEntry(root, promptID), nil
}

// resolveHistoryEntry digs the entry out of the shapes ComfyUI and its
// proxies are known to return: keyed by prompt id at the root, nested under
// a container key, or the entry itself at the root.
func resolveHistoryEntry(root map[string]any, promptID string) map[string]any {
	if entry, ok := root[promptID].(map[string]any); ok {
		return entry
	}
	for _, key := range []string{"history", "histories", "jobs", "prompts", "job"} {
		nested, ok := root[key].(map[string]any)
		if !ok {
			continue
		}
		if entry, ok := nested[promptID].(map[string]any); ok {
			return entry
		}
		if looksLikeEntry(nested) {
			return nested
		}
	}
	if looksLikeEntry(root) {
		return root
	}
	return nil
}

func looksLikeEntry(m map[string]any) bool {
	if _, ok := m["status"]; ok {
		return true
	}
	_, ok := m["outputs"]
	return ok
}

// entryState classifies a history entry as "succeeded", "failed" or pending
// (""), with the failure message when present.
func entryState(entry map[string]any) (string, string) {
	var statusStr string
	var completed bool
	var statusMap map[string]any

	switch s := entry["status"].(type) {
	case string:
		statusStr = s
	case map[string]any:
		statusMap = s
		statusStr, _ = s["status"].(string)
		completed, _ = s["completed"].(bool)
	}

	switch strings.ToLower(statusStr) {
	case "success", "completed":
		return "succeeded", ""
	case "error", "failed", "cancelled":
		return "failed", failureMessage(statusMap, entry)
	}
	if completed {
		return "succeeded", ""
	}
	return "", ""
}

func failureMessage(statusMap, entry map[string]any) string {
	for _, m := range []map[string]any{statusMap, entry} {
		if m == nil {
			continue
		}
		for _, key := range []string{"error", "err", "message"} {
			if msg, ok := m[key].(string); ok && msg != "" {
				return msg
			}
		}
	}
	return ""
}

// AssetURL builds the download URL for an output asset. Absolute URLs pass
// through; everything else goes via the /view endpoint.
func (c *Client) AssetURL(a domain.GraphAsset) string {
	if a.URL != "" && (strings.HasPrefix(a.URL, "http://") || strings.HasPrefix(a.URL, "https://")) {
		return a.URL
	}
	q := url.Values{}
	q.Set("filename", a.Filename)
	q.Set("subfolder", a.Subfolder)
	q.Set("type", a.Type)
	return c.baseURL + "/view?" + q.Encode()
}

// Download fetches asset bytes.
func (c *Client) Download(ctx domain.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("op=comfyui.Download: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=comfyui.Download url=%s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=comfyui.Download url=%s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.HTTPError{Status: resp.StatusCode, Body: snippet(data), URL: rawURL, Method: http.MethodGet}
	}
	return data, nil
}

func snippet(b []byte) string {
	if len(b) > maxBodySnippet {
		b = b[:maxBodySnippet]
	}
	return string(b)
}
