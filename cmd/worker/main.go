// Package main provides the worker application entry point.
// The worker consumes generative-media jobs from the Redis queues and runs
// them against OpenRouter, ComfyUI, kohya_ss, FFmpeg, and the object store.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/influencerai/worker/internal/adapter/ai/openrouter"
	"github.com/influencerai/worker/internal/adapter/comfyui"
	"github.com/influencerai/worker/internal/adapter/controlplane"
	"github.com/influencerai/worker/internal/adapter/media/ffmpeg"
	"github.com/influencerai/worker/internal/adapter/observability"
	asynqadp "github.com/influencerai/worker/internal/adapter/queue/asynq"
	"github.com/influencerai/worker/internal/adapter/objectstore/s3store"
	"github.com/influencerai/worker/internal/adapter/trainer/kohya"
	"github.com/influencerai/worker/internal/alert"
	"github.com/influencerai/worker/internal/app"
	"github.com/influencerai/worker/internal/config"
	"github.com/influencerai/worker/internal/domain"
	"github.com/influencerai/worker/internal/usecase"
	"github.com/influencerai/worker/internal/workflow"
)

// redisAdapter adapts *redis.Client to app.RedisClient for readiness checks.
type redisAdapter struct{ c *redis.Client }

func (a redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return a.c.Ping(ctx) }

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Setup logging
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics once per process. Queue depth gauges are
	// added below once the broker connection exists.
	observability.InitMetrics(cfg.MetricsPrefix)

	// Enable tracing for worker-side spans when an OTLP endpoint is configured.
	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()

	// Broker connection
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis connect failed", slog.Any("error", err), slog.String("addr", cfg.RedisAddr()))
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis client", slog.Any("error", err))
		}
	}()

	// Object store
	store, err := s3store.New(ctx, cfg)
	if err != nil {
		slog.Error("object store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Control plane client plus the throttler that coalesces progress patches.
	plane := controlplane.New(cfg)
	progress := controlplane.NewThrottler(plane, cfg.ProgressWindow())

	// Collaborators
	chat := openrouter.New(cfg)
	graph := comfyui.New(cfg)
	transcode := ffmpeg.New(cfg)
	trainer := kohya.New()
	alerter := alert.New(cfg)

	// LoRA file existence checks require the ComfyUI models volume. When it is
	// not mounted (e.g. the worker runs on a separate host) validation falls
	// back to extension checks only.
	var loraFiles domain.LoraFileChecker
	if st, err := os.Stat(cfg.ComfyUILorasDir); err == nil && st.IsDir() {
		loraFiles = workflow.NewFileChecker(cfg.ComfyUILorasDir)
	} else {
		slog.Warn("loras dir not mounted, skipping lora file checks", slog.String("dir", cfg.ComfyUILorasDir))
	}

	videoSvc, err := usecase.NewVideoGenService(cfg, graph, transcode, store, plane)
	if err != nil {
		slog.Error("video workflow config invalid", slog.Any("error", err))
		os.Exit(1)
	}

	processors := map[string]domain.JobProcessor{
		domain.QueueContentGeneration: usecase.NewContentGenService(chat, store, plane),
		domain.QueueLoraTraining:      usecase.NewLoraTrainService(plane, store, trainer, progress),
		domain.QueueVideoGeneration:   videoSvc,
		domain.QueueImageGeneration:   usecase.NewImageGenService(graph, store, plane, loraFiles),
	}

	worker := asynqadp.NewWorker(cfg, plane, progress, alerter, processors)

	// Queue depth gauges read from the broker on each scrape.
	stats := asynqadp.NewQueueStats(cfg)
	observability.MustRegister(stats)
	defer func() {
		if err := stats.Close(); err != nil {
			slog.Error("failed to close queue stats", slog.Any("error", err))
		}
	}()

	// Monitoring endpoint: /metrics, /bull-board, /healthz, /readyz. A failure
	// here must not take the worker down.
	redisCheck, planeCheck, comfyCheck := app.BuildReadinessChecks(cfg, redisAdapter{rdb})
	monSrv := &http.Server{
		Addr: cfg.BullBoardAddr(),
		Handler: app.BuildMonitorRouter(cfg, observability.Registry(), []app.NamedCheck{
			{Name: "redis", Check: redisCheck},
			{Name: "control-plane", Check: planeCheck},
			{Name: "comfyui", Check: comfyCheck},
		}),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("monitoring server starting", slog.String("addr", cfg.BullBoardAddr()))
		if err := monSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("monitoring server error", slog.Any("error", err))
		}
	}()

	if err := worker.Start(ctx); err != nil {
		slog.Error("worker start failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Wait for shutdown signals
	slog.Info("worker started successfully, waiting for shutdown signal",
		slog.Int("concurrency", cfg.WorkerConcurrency))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	// Let in-flight jobs finish, then stop the monitoring endpoint.
	worker.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	_ = monSrv.Shutdown(shutdownCtx)
	slog.Info("worker stopped")
}
