// Package alert posts webhook notifications when a queue accumulates
// consecutive failures. Counters are process-local; a restart starts the
// count fresh.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/influencerai/worker/internal/config"
	"github.com/influencerai/worker/internal/domain"
)

const webhookTimeout = 10 * time.Second

type payload struct {
	Queue               string `json:"queue"`
	JobID               string `json:"jobId"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Message             string `json:"message"`
	Timestamp           string `json:"timestamp"`
}

// Alerter tracks consecutive failures per queue and fires the webhook when
// the threshold is crossed.
type Alerter struct {
	hc        *http.Client
	webhook   string
	threshold int

	mu     sync.Mutex
	counts map[string]int
}

// New builds an alerter from worker configuration. Thresholds below one
// snap up to one; an empty webhook URL disables alerting entirely.
func New(cfg config.Config) *Alerter {
	threshold := cfg.AlertFailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	return &Alerter{
		hc:        &http.Client{Timeout: webhookTimeout},
		webhook:   cfg.AlertWebhookURL,
		threshold: threshold,
		counts:    make(map[string]int),
	}
}

// OnFailure records a failure for queue and posts the alert once the
// consecutive count reaches the threshold, resetting the count.
func (a *Alerter) OnFailure(ctx context.Context, queue string, job domain.Job, err error) {
	if a.webhook == "" {
		return
	}

	a.mu.Lock()
	a.counts[queue]++
	count := a.counts[queue]
	if count < a.threshold {
		a.mu.Unlock()
		return
	}
	a.counts[queue] = 0
	a.mu.Unlock()

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	a.post(ctx, payload{
		Queue:               queue,
		JobID:               job.Ref(),
		ConsecutiveFailures: count,
		Message:             msg,
		Timestamp:           time.Now().UTC().Format(time.RFC3339),
	})
}

// OnSuccess resets the consecutive-failure count for queue.
func (a *Alerter) OnSuccess(queue string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[queue] = 0
}

func (a *Alerter) post(ctx context.Context, p payload) {
	body, err := json.Marshal(p)
	if err != nil {
		slog.Warn("alert payload marshal failed", slog.Any("error", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhook, bytes.NewReader(body))
	if err != nil {
		slog.Warn("alert request build failed", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.hc.Do(req)
	if err != nil {
		slog.Warn("alert webhook post failed", slog.String("queue", p.Queue), slog.Any("error", err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Warn("alert webhook rejected", slog.String("queue", p.Queue), slog.Int("status", resp.StatusCode))
		return
	}
	slog.Info("failure alert sent", slog.String("queue", p.Queue), slog.String("job_id", p.JobID), slog.Int("consecutive_failures", p.ConsecutiveFailures))
}
