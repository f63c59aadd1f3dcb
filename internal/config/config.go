// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all worker configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	// OpenRouter chat provider
	OpenRouterAPIKey          string `env:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL         string `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	OpenRouterModel           string `env:"OPENROUTER_MODEL" envDefault:"openai/gpt-4o-mini"`
	OpenRouterMaxRetries      int    `env:"OPENROUTER_MAX_RETRIES" envDefault:"3"`
	OpenRouterTimeoutMS       int    `env:"OPENROUTER_TIMEOUT_MS" envDefault:"60000"`
	OpenRouterBackoffBaseMS   int    `env:"OPENROUTER_BACKOFF_BASE_MS" envDefault:"250"`
	OpenRouterBackoffJitterMS int    `env:"OPENROUTER_BACKOFF_JITTER_MS" envDefault:"100"`

	// Object store (S3-compatible)
	S3Endpoint string `env:"S3_ENDPOINT"`
	AWSRegion  string `env:"AWS_REGION" envDefault:"us-east-1"`
	S3Key      string `env:"S3_KEY"`
	S3Secret   string `env:"S3_SECRET"`
	S3Bucket   string `env:"S3_BUCKET" envDefault:"influencerai"`

	// Control plane API
	APIBaseURL   string `env:"API_BASE_URL" envDefault:"http://localhost:3001"`
	APITimeoutMS int    `env:"API_TIMEOUT_MS" envDefault:"10000"`

	// Broker (Redis)
	RedisHost         string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort         int    `env:"REDIS_PORT" envDefault:"6379"`
	BullPrefix        string `env:"BULL_PREFIX"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// ComfyUI
	ComfyUIAPIURL          string `env:"COMFYUI_API_URL" envDefault:"http://localhost:8188"`
	ComfyUIClientID        string `env:"COMFYUI_CLIENT_ID"`
	ComfyUITimeoutMS       int    `env:"COMFYUI_TIMEOUT_MS" envDefault:"120000"`
	ComfyUIPollIntervalMS  int    `env:"COMFYUI_POLL_INTERVAL_MS" envDefault:"5000"`
	ComfyUIMaxPollAttempts int    `env:"COMFYUI_MAX_POLL_ATTEMPTS" envDefault:"120"`
	// ComfyUIVideoWorkflowJSON is the shared base workflow payload for video
	// generation, as a JSON document. It is re-parsed per job so concurrent
	// jobs never share a mutable copy.
	ComfyUIVideoWorkflowJSON string `env:"COMFYUI_VIDEO_WORKFLOW_JSON"`
	ComfyUILorasDir          string `env:"COMFYUI_LORAS_DIR" envDefault:"/app/ComfyUI/models/loras"`

	// FFmpeg
	FFmpegPath        string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFmpegAspectRatio string `env:"FFMPEG_ASPECT_RATIO" envDefault:"9:16"`
	FFmpegAudioFilter string `env:"FFMPEG_AUDIO_FILTER" envDefault:"loudnorm=I=-16:TP=-1.5:LRA=11"`
	FFmpegVideoPreset string `env:"FFMPEG_VIDEO_PRESET" envDefault:"medium"`

	// Progress reporting
	ProgressWindowMS int `env:"PROGRESS_WINDOW_MS" envDefault:"1000"`

	// Monitoring
	MetricsPrefix     string `env:"WORKER_METRICS_PREFIX" envDefault:"influencerai_worker_"`
	BullBoardHost     string `env:"BULL_BOARD_HOST" envDefault:"0.0.0.0"`
	BullBoardPort     int    `env:"BULL_BOARD_PORT" envDefault:"3030"`
	BullBoardUser     string `env:"BULL_BOARD_USER"`
	BullBoardPassword string `env:"BULL_BOARD_PASSWORD"`

	// Failure alerting
	AlertWebhookURL       string `env:"ALERT_WEBHOOK_URL"`
	AlertFailureThreshold int    `env:"ALERT_FAILURE_THRESHOLD" envDefault:"3"`

	// Tracing
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"influencerai-worker"`

	// Shutdown
	ShutdownTimeoutMS int `env:"SHUTDOWN_TIMEOUT_MS" envDefault:"10000"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the worker is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the worker is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// RedisAddr returns the broker address in host:port form.
func (c Config) RedisAddr() string { return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort) }

// QueueName applies the optional broker prefix to a base queue name.
func (c Config) QueueName(base string) string {
	if c.BullPrefix == "" {
		return base
	}
	return c.BullPrefix + ":" + base
}

// BullBoardAddr returns the monitoring listen address.
func (c Config) BullBoardAddr() string { return fmt.Sprintf("%s:%d", c.BullBoardHost, c.BullBoardPort) }

// DashboardAuthEnabled reports whether the queue dashboard requires Basic auth.
func (c Config) DashboardAuthEnabled() bool {
	return c.BullBoardUser != "" && c.BullBoardPassword != ""
}

func (c Config) OpenRouterTimeout() time.Duration {
	return time.Duration(c.OpenRouterTimeoutMS) * time.Millisecond
}

func (c Config) OpenRouterBackoffBase() time.Duration {
	return time.Duration(c.OpenRouterBackoffBaseMS) * time.Millisecond
}

func (c Config) OpenRouterBackoffJitter() time.Duration {
	return time.Duration(c.OpenRouterBackoffJitterMS) * time.Millisecond
}

func (c Config) APITimeout() time.Duration {
	return time.Duration(c.APITimeoutMS) * time.Millisecond
}

func (c Config) ComfyUITimeout() time.Duration {
	return time.Duration(c.ComfyUITimeoutMS) * time.Millisecond
}

func (c Config) ComfyUIPollInterval() time.Duration {
	return time.Duration(c.ComfyUIPollIntervalMS) * time.Millisecond
}

func (c Config) ProgressWindow() time.Duration {
	return time.Duration(c.ProgressWindowMS) * time.Millisecond
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}
