package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/influencerai/worker/internal/config"
	"github.com/influencerai/worker/internal/domain"
)

func testClient(baseURL string) *Client {
	c := New(config.Config{APIBaseURL: baseURL, APITimeoutMS: 2000})
	c.delay = time.Millisecond
	return c
}

func TestPatchJob_Success(t *testing.T) {
	t.Parallel()
	var got domain.JobPatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/jobs/job-1", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient(srv.URL).PatchJob(context.Background(), "job-1", domain.JobPatch{Status: domain.JobRunning})
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, got.Status)
}

func TestPatchJob_RetriesOnce(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient(srv.URL).PatchJob(context.Background(), "job-1", domain.JobPatch{Status: domain.JobSucceeded})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPatchJob_BestEffortOnExhaustion(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	// patches are best-effort: exhaustion logs a warning and returns nil
	err := testClient(srv.URL).PatchJob(context.Background(), "job-1", domain.JobPatch{Status: domain.JobFailed})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPatchJob_EmptyJobIDIsNoop(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	err := testClient(srv.URL).PatchJob(context.Background(), "", domain.JobPatch{Status: domain.JobRunning})
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jobs", r.URL.Path)
		var req domain.CreateJobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "video-generation", req.Type)
		assert.Equal(t, 5, req.Priority)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"child-123"}`))
	}))
	defer srv.Close()

	id, err := testClient(srv.URL).CreateJob(context.Background(), domain.CreateJobRequest{
		Type:     "video-generation",
		Payload:  map[string]any{"caption": "c"},
		Priority: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "child-123", id)
}

func TestCreateJob_Error(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad payload"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).CreateJob(context.Background(), domain.CreateJobRequest{Type: "video-generation"})
	require.Error(t, err)
	var httpErr *domain.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.Status)
}

func TestGetDataset(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/datasets/ds-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"ds-1","path":"/data/sets/ds-1"}`))
	}))
	defer srv.Close()

	ds, err := testClient(srv.URL).GetDataset(context.Background(), "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "/data/sets/ds-1", ds.Path)
}

func TestGetLoraConfig_NotFound(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetLoraConfig(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestCreateAsset(t *testing.T) {
	t.Parallel()
	var rec domain.AssetRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assets", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := testClient(srv.URL).CreateAsset(context.Background(), domain.AssetRecord{
		JobID: "job-1", Type: "image", URL: "https://cdn/x.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "image", rec.Type)
}
