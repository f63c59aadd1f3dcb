package controlplane

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/influencerai/worker/internal/domain"
)

const (
	defaultWindow     = time.Second
	logRingCap        = 50
	patchLogLineLimit = 20
)

// progressResult is the running-status patch body.
type progressResult struct {
	Progress domain.ProgressEvent `json:"progress"`
}

type progressState struct {
	lastSentAt time.Time
	pending    *domain.ProgressEvent
	timer      *time.Timer
	logRing    []string
}

// Throttler coalesces progress events so no two patches for the same job are
// sent within one window. Events inside the window overwrite each other; a
// single timer per job delivers the survivor when the window reopens.
type Throttler struct {
	reporter domain.JobReporter
	window   time.Duration

	mu   sync.Mutex
	jobs map[string]*progressState
}

// NewThrottler wraps reporter with per-job progress coalescing. A
// non-positive window falls back to one second.
func NewThrottler(reporter domain.JobReporter, window time.Duration) *Throttler {
	if window <= 0 {
		window = defaultWindow
	}
	return &Throttler{
		reporter: reporter,
		window:   window,
		jobs:     make(map[string]*progressState),
	}
}

// Schedule enqueues a progress event for jobID. It never blocks the caller;
// sends happen on their own goroutine or on the armed timer.
func (t *Throttler) Schedule(jobID string, ev domain.ProgressEvent) {
	if jobID == "" {
		slog.Debug("dropping progress event without job id", slog.String("stage", string(ev.Stage)))
		return
	}

	t.mu.Lock()
	st, ok := t.jobs[jobID]
	if !ok {
		st = &progressState{}
		t.jobs[jobID] = st
	}
	if ev.Message != "" {
		st.logRing = append(st.logRing, ev.Message)
		if len(st.logRing) > logRingCap {
			st.logRing = st.logRing[len(st.logRing)-logRingCap:]
		}
	}

	now := time.Now()
	elapsed := now.Sub(st.lastSentAt)
	if elapsed >= t.window {
		st.lastSentAt = now
		st.pending = nil
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		ev.Logs = tailLogs(st.logRing)
		t.mu.Unlock()
		go t.send(jobID, ev)
		return
	}

	st.pending = &ev
	if st.timer == nil {
		st.timer = time.AfterFunc(t.window-elapsed, func() { t.fire(jobID) })
	}
	t.mu.Unlock()
}

// Flush drops pending state for jobID. Processors call it on terminal
// transitions; the terminal patch carries the final result so a coalesced
// event left behind would only arrive out of order.
func (t *Throttler) Flush(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.jobs[jobID]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(t.jobs, jobID)
}

func (t *Throttler) fire(jobID string) {
	t.mu.Lock()
	st, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	st.timer = nil
	if st.pending == nil {
		t.mu.Unlock()
		return
	}
	ev := *st.pending
	st.pending = nil
	st.lastSentAt = time.Now()
	ev.Logs = tailLogs(st.logRing)
	t.mu.Unlock()

	t.send(jobID, ev)
}

func (t *Throttler) send(jobID string, ev domain.ProgressEvent) {
	patch := domain.JobPatch{Status: domain.JobRunning, Result: progressResult{Progress: ev}}
	if err := t.reporter.PatchJob(context.Background(), jobID, patch); err != nil {
		slog.Warn("progress patch failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

func tailLogs(ring []string) []string {
	if len(ring) == 0 {
		return nil
	}
	n := len(ring)
	if n > patchLogLineLimit {
		ring = ring[n-patchLogLineLimit:]
	}
	out := make([]string, len(ring))
	copy(out, ring)
	return out
}
