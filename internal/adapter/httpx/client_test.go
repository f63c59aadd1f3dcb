package httpx_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/influencerai/worker/internal/adapter/httpx"
	"github.com/influencerai/worker/internal/domain"
)

func TestClient_Do_Success(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := httpx.New(time.Second, 3, time.Millisecond, 0)
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	resp, err := c.Do(context.Background(), http.MethodPost, srv.URL, h, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestClient_Do_RetriesOn500(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := httpx.New(time.Second, 3, time.Millisecond, 0)
	resp, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Do_ExhaustsRetries(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	c := httpx.New(time.Second, 3, time.Millisecond, 0)
	_, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	var httpErr *domain.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusTooManyRequests, httpErr.Status)
	assert.Equal(t, "slow down", httpErr.Body)
	assert.Equal(t, http.MethodGet, httpErr.Method)
}

func TestClient_Do_NoRetryOn4xx(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := httpx.New(time.Second, 5, time.Millisecond, 0)
	_, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")

	var httpErr *domain.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadRequest, httpErr.Status)
}

func TestClient_Do_ContextCancel(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := httpx.New(time.Second, 3, 50*time.Millisecond, 0)
	_, err := c.Do(ctx, http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	assert.Equal(t, time.Duration(0), httpx.ParseRetryAfter(""))
	assert.Equal(t, 2*time.Second, httpx.ParseRetryAfter("2"))
	assert.Equal(t, time.Duration(0), httpx.ParseRetryAfter("-1"))
	assert.Equal(t, time.Duration(0), httpx.ParseRetryAfter("garbage"))

	future := time.Now().Add(3 * time.Second).UTC().Format(http.TimeFormat)
	d := httpx.ParseRetryAfter(future)
	assert.Greater(t, d, time.Second)
	assert.LessOrEqual(t, d, 3*time.Second)

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), httpx.ParseRetryAfter(past))
}
