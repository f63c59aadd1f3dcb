package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "dev", cfg.AppEnv)
	require.True(t, cfg.IsDev())
	require.False(t, cfg.IsProd())
	require.Equal(t, "https://openrouter.ai/api/v1", cfg.OpenRouterBaseURL)
	require.Equal(t, 3, cfg.OpenRouterMaxRetries)
	require.Equal(t, 60*time.Second, cfg.OpenRouterTimeout())
	require.Equal(t, "influencerai", cfg.S3Bucket)
	require.Equal(t, "http://localhost:3001", cfg.APIBaseURL)
	require.Equal(t, "localhost:6379", cfg.RedisAddr())
	require.Equal(t, 4, cfg.WorkerConcurrency)
	require.Equal(t, "http://localhost:8188", cfg.ComfyUIAPIURL)
	require.Equal(t, 5*time.Second, cfg.ComfyUIPollInterval())
	require.Equal(t, 120, cfg.ComfyUIMaxPollAttempts)
	require.Equal(t, "ffmpeg", cfg.FFmpegPath)
	require.Equal(t, "9:16", cfg.FFmpegAspectRatio)
	require.Equal(t, time.Second, cfg.ProgressWindow())
	require.Equal(t, "influencerai_worker_", cfg.MetricsPrefix)
	require.Equal(t, "0.0.0.0:3030", cfg.BullBoardAddr())
	require.Equal(t, 3, cfg.AlertFailureThreshold)
	require.Equal(t, "/app/ComfyUI/models/loras", cfg.ComfyUILorasDir)
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("REDIS_HOST", "broker")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("BULL_PREFIX", "influencerai")
	t.Setenv("OPENROUTER_TIMEOUT_MS", "1500")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.IsProd())
	require.Equal(t, "broker:6380", cfg.RedisAddr())
	require.Equal(t, "influencerai:video-generation", cfg.QueueName("video-generation"))
	require.Equal(t, 1500*time.Millisecond, cfg.OpenRouterTimeout())
}

func Test_QueueName_NoPrefix(t *testing.T) {
	cfg := Config{}
	require.Equal(t, "content-generation", cfg.QueueName("content-generation"))
}

func Test_DashboardAuthEnabled(t *testing.T) {
	cfg := Config{}
	require.False(t, cfg.DashboardAuthEnabled())
	cfg.BullBoardUser = "admin"
	require.False(t, cfg.DashboardAuthEnabled())
	cfg.BullBoardPassword = "secret"
	require.True(t, cfg.DashboardAuthEnabled())
}

func Test_Load_BadValue(t *testing.T) {
	t.Setenv("REDIS_PORT", "not-a-port")
	_, err := Load()
	require.Error(t, err)
}
