package asynqadp

import (
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/influencerai/worker/internal/config"
	"github.com/influencerai/worker/internal/domain"
)

// QueueStats is a prometheus.Collector that reads queue depths from the
// broker on every scrape. Waiting maps to asynq's pending state, failed to
// archived (retries exhausted).
type QueueStats struct {
	inspector *asynq.Inspector
	cfg       config.Config

	waitingDesc *prometheus.Desc
	failedDesc  *prometheus.Desc
}

// NewQueueStats builds the collector for all known queues.
func NewQueueStats(cfg config.Config) *QueueStats {
	prefix := cfg.MetricsPrefix
	if prefix == "" {
		prefix = "influencerai_worker_"
	}
	return &QueueStats{
		inspector: asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr()}),
		cfg:       cfg,
		waitingDesc: prometheus.NewDesc(
			prefix+"queue_waiting_jobs",
			"Jobs waiting to be processed, per queue",
			[]string{"queue"}, nil,
		),
		failedDesc: prometheus.NewDesc(
			prefix+"queue_failed_jobs",
			"Jobs that exhausted retries, per queue",
			[]string{"queue"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (s *QueueStats) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.waitingDesc
	ch <- s.failedDesc
}

// Collect implements prometheus.Collector. Unreachable or missing queues
// are skipped so one bad queue never poisons the whole scrape.
func (s *QueueStats) Collect(ch chan<- prometheus.Metric) {
	for _, base := range domain.Queues() {
		info, err := s.inspector.GetQueueInfo(s.cfg.QueueName(base))
		if err != nil {
			slog.Debug("queue info unavailable", slog.String("queue", base), slog.Any("error", err))
			continue
		}
		ch <- prometheus.MustNewConstMetric(s.waitingDesc, prometheus.GaugeValue, float64(info.Pending), base)
		ch <- prometheus.MustNewConstMetric(s.failedDesc, prometheus.GaugeValue, float64(info.Archived), base)
	}
}

// Close releases the underlying broker connection.
func (s *QueueStats) Close() error { return s.inspector.Close() }
