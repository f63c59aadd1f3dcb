// Package asynqadp adapts the asynq broker: the consuming worker that
// dispatches queue jobs to their processors, and queue statistics for the
// monitoring endpoint.
package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/influencerai/worker/internal/adapter/observability"
	"github.com/influencerai/worker/internal/config"
	"github.com/influencerai/worker/internal/domain"
)

// Notifier receives terminal job outcomes, feeding the failure alerter.
type Notifier interface {
	OnFailure(ctx context.Context, queue string, job domain.Job, err error)
	OnSuccess(queue string)
}

// Worker consumes all configured queues and supervises their processors:
// envelope decode, metrics, terminal status patching, and alerting.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker wires every queue to its processor. Queue names carry the
// configured broker prefix; task type patterns stay on the base names.
func NewWorker(cfg config.Config, reporter domain.JobReporter, progress domain.ProgressScheduler, notifier Notifier, processors map[string]domain.JobProcessor) *Worker {
	queues := make(map[string]int, len(processors))
	for base := range processors {
		queues[cfg.QueueName(base)] = 1
	}
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr()}, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      queues,
	})

	w := &Worker{server: srv, mux: asynq.NewServeMux()}
	for base, proc := range processors {
		w.mux.HandleFunc(base, w.handler(base, proc, reporter, progress, notifier))
	}
	return w
}

func (w *Worker) handler(queue string, proc domain.JobProcessor, reporter domain.JobReporter, progress domain.ProgressScheduler, notifier Notifier) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.worker")
		ctx, span := tracer.Start(ctx, "ProcessJob")
		defer span.End()

		var env domain.JobEnvelope
		if err := json.Unmarshal(t.Payload(), &env); err != nil {
			err = fmt.Errorf("%w: decode task envelope: %v", domain.ErrInvalidArgument, err)
			slog.Error("job rejected", slog.String("queue", queue), slog.Any("error", err))
			notifier.OnFailure(ctx, queue, domain.Job{Queue: queue}, err)
			return err
		}
		job := domain.Job{ID: env.JobID, QueueID: taskID(t), Queue: queue, Payload: env.Payload}
		if len(job.Payload) == 0 {
			// bare payloads without an envelope are taken as-is
			job.Payload = t.Payload()
		}
		slog.Info("job started", slog.String("queue", queue), slog.String("job_id", job.ID), slog.String("queue_job_id", job.QueueID))

		observability.StartJob(queue)
		start := time.Now()
		err := proc.Process(ctx, job)
		dur := time.Since(start)
		observability.ObserveJobDuration(queue, dur)
		progress.Flush(job.ID)

		if err != nil {
			slog.Error("job failed",
				slog.String("queue", queue),
				slog.String("job_id", job.ID),
				slog.String("queue_job_id", job.QueueID),
				slog.Duration("took", dur),
				slog.Any("error", err))
			_ = reporter.PatchJob(ctx, job.ID, domain.JobPatch{Status: domain.JobFailed, Result: domain.NewFailureResult(err)})
			observability.FailJob(queue)
			notifier.OnFailure(ctx, queue, job, err)
			return err
		}
		observability.CompleteJob(queue)
		notifier.OnSuccess(queue)
		slog.Info("job completed",
			slog.String("queue", queue),
			slog.String("job_id", job.ID),
			slog.String("queue_job_id", job.QueueID),
			slog.Duration("took", dur))
		return nil
	}
}

func taskID(t *asynq.Task) string {
	if rw := t.ResultWriter(); rw != nil {
		return rw.TaskID()
	}
	return ""
}

// Start begins consuming. It returns once the server is running.
func (w *Worker) Start(_ context.Context) error { return w.server.Start(w.mux) }

// Stop drains in-flight jobs and shuts the server down.
func (w *Worker) Stop() { w.server.Shutdown() }
