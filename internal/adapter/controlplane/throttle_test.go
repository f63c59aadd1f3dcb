package controlplane

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/influencerai/worker/internal/domain"
)

// recordingReporter captures patches with their receipt time.
type recordingReporter struct {
	mu      sync.Mutex
	patches []domain.JobPatch
	times   []time.Time
}

func (r *recordingReporter) PatchJob(_ domain.Context, _ string, patch domain.JobPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = append(r.patches, patch)
	r.times = append(r.times, time.Now())
	return nil
}

func (r *recordingReporter) snapshot() []domain.JobPatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.JobPatch, len(r.patches))
	copy(out, r.patches)
	return out
}

func waitForPatches(t *testing.T, r *recordingReporter, n int) []domain.JobPatch {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d patches, have %d", n, len(r.snapshot()))
	return nil
}

func progressOf(t *testing.T, p domain.JobPatch) domain.ProgressEvent {
	t.Helper()
	res, ok := p.Result.(progressResult)
	require.True(t, ok)
	return res.Progress
}

func TestThrottler_FirstEventSendsImmediately(t *testing.T) {
	t.Parallel()
	rep := &recordingReporter{}
	th := NewThrottler(rep, 50*time.Millisecond)

	th.Schedule("job-1", domain.ProgressEvent{Stage: domain.StageRunning, Message: "step 1/10"})
	got := waitForPatches(t, rep, 1)
	assert.Equal(t, domain.JobRunning, got[0].Status)
	ev := progressOf(t, got[0])
	assert.Equal(t, domain.StageRunning, ev.Stage)
	assert.Equal(t, []string{"step 1/10"}, ev.Logs)
}

func TestThrottler_CoalescesWithinWindow(t *testing.T) {
	t.Parallel()
	rep := &recordingReporter{}
	th := NewThrottler(rep, 80*time.Millisecond)

	th.Schedule("job-1", domain.ProgressEvent{Stage: domain.StageRunning, Message: "step 1/3"})
	th.Schedule("job-1", domain.ProgressEvent{Stage: domain.StageRunning, Message: "step 2/3"})
	th.Schedule("job-1", domain.ProgressEvent{Stage: domain.StageRunning, Message: "step 3/3"})

	got := waitForPatches(t, rep, 2)
	assert.Len(t, got, 2, "intermediate event must be coalesced away")
	assert.Equal(t, "step 1/3", progressOf(t, got[0]).Message)
	last := progressOf(t, got[1])
	assert.Equal(t, "step 3/3", last.Message, "newest pending event wins")
	// all three messages survive in the log tail
	assert.Equal(t, []string{"step 1/3", "step 2/3", "step 3/3"}, last.Logs)

	rep.mu.Lock()
	gap := rep.times[1].Sub(rep.times[0])
	rep.mu.Unlock()
	assert.GreaterOrEqual(t, gap, 60*time.Millisecond, "second send must wait out the window")
}

func TestThrottler_IndependentJobs(t *testing.T) {
	t.Parallel()
	rep := &recordingReporter{}
	th := NewThrottler(rep, time.Second)

	th.Schedule("job-a", domain.ProgressEvent{Stage: domain.StageRunning, Message: "a"})
	th.Schedule("job-b", domain.ProgressEvent{Stage: domain.StageRunning, Message: "b"})
	got := waitForPatches(t, rep, 2)
	assert.Len(t, got, 2, "different jobs never throttle each other")
}

func TestThrottler_LogRingCaps(t *testing.T) {
	t.Parallel()
	rep := &recordingReporter{}
	th := NewThrottler(rep, 40*time.Millisecond)

	for i := 0; i < 60; i++ {
		th.Schedule("job-1", domain.ProgressEvent{Stage: domain.StageRunning, Message: fmt.Sprintf("line %02d", i)})
	}
	got := waitForPatches(t, rep, 2)
	last := progressOf(t, got[len(got)-1])
	assert.Len(t, last.Logs, patchLogLineLimit, "patch carries at most the last 20 lines")
	assert.Equal(t, "line 59", last.Logs[len(last.Logs)-1])
}

func TestThrottler_FlushDropsPending(t *testing.T) {
	t.Parallel()
	rep := &recordingReporter{}
	th := NewThrottler(rep, 100*time.Millisecond)

	th.Schedule("job-1", domain.ProgressEvent{Stage: domain.StageRunning, Message: "first"})
	th.Schedule("job-1", domain.ProgressEvent{Stage: domain.StageRunning, Message: "pending"})
	th.Flush("job-1")

	time.Sleep(250 * time.Millisecond)
	got := rep.snapshot()
	assert.Len(t, got, 1, "flushed pending event must not fire later")
}

func TestThrottler_EmptyJobIDDropped(t *testing.T) {
	t.Parallel()
	rep := &recordingReporter{}
	th := NewThrottler(rep, 10*time.Millisecond)
	th.Schedule("", domain.ProgressEvent{Stage: domain.StageRunning, Message: "x"})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rep.snapshot())
}
