package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/influencerai/worker/internal/config"
)

type pingResult struct{ err error }

func (p pingResult) Err() error { return p.err }

type fakeRedis struct{ err error }

func (f fakeRedis) Ping(context.Context) RedisPingResult { return pingResult{err: f.err} }

func TestReadiness_Redis(t *testing.T) {
	t.Parallel()
	redisCheck, _, _ := BuildReadinessChecks(config.Config{}, fakeRedis{})
	assert.NoError(t, redisCheck(context.Background()))

	redisCheck, _, _ = BuildReadinessChecks(config.Config{}, fakeRedis{err: errors.New("refused")})
	assert.EqualError(t, redisCheck(context.Background()), "refused")

	redisCheck, _, _ = BuildReadinessChecks(config.Config{}, nil)
	assert.Error(t, redisCheck(context.Background()))
}

func TestReadiness_ControlPlane(t *testing.T) {
	t.Parallel()
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, planeCheck, _ := BuildReadinessChecks(config.Config{APIBaseURL: srv.URL + "/"}, fakeRedis{})
	require.NoError(t, planeCheck(context.Background()))
	assert.Equal(t, "/health", gotPath)
}

func TestReadiness_ControlPlaneUnhealthy(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, planeCheck, _ := BuildReadinessChecks(config.Config{APIBaseURL: srv.URL}, fakeRedis{})
	assert.EqualError(t, planeCheck(context.Background()), "control plane status 500")
}

func TestReadiness_ComfyUI(t *testing.T) {
	t.Parallel()
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, _, comfyCheck := BuildReadinessChecks(config.Config{ComfyUIAPIURL: srv.URL}, fakeRedis{})
	require.NoError(t, comfyCheck(context.Background()))
	assert.Equal(t, "/system_stats", gotPath)

	_, _, comfyCheck = BuildReadinessChecks(config.Config{}, fakeRedis{})
	assert.Error(t, comfyCheck(context.Background()), "unconfigured URL is not ready")
}
