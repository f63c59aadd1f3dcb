package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// DefaultMetricsPrefix is prepended to every metric name unless
// WORKER_METRICS_PREFIX overrides it.
const DefaultMetricsPrefix = "influencerai_worker_"

var (
	metricsOnce sync.Once
	registry    *prometheus.Registry

	jobsProcessing     *prometheus.GaugeVec
	jobsCompletedTotal *prometheus.CounterVec
	jobsFailedTotal    *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec

	aiRequestsTotal   *prometheus.CounterVec
	aiRequestDuration *prometheus.HistogramVec

	objectStoreOps        *prometheus.CounterVec
	objectStoreOpDuration *prometheus.HistogramVec

	controlPlaneOps        *prometheus.CounterVec
	controlPlaneOpDuration *prometheus.HistogramVec

	graphRunsTotal   *prometheus.CounterVec
	graphRunDuration prometheus.Histogram

	transcodesTotal   *prometheus.CounterVec
	transcodeDuration prometheus.Histogram
)

// InitMetrics builds all worker metrics under prefix on a dedicated
// registry with Go and process collectors. Safe to call more than once;
// only the first call takes effect.
func InitMetrics(prefix string) {
	metricsOnce.Do(func() {
		if prefix == "" {
			prefix = DefaultMetricsPrefix
		}
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		jobsProcessing = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: prefix + "jobs_processing",
				Help: "Number of jobs currently processing",
			},
			[]string{"queue"},
		)
		jobsCompletedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "jobs_completed_total",
				Help: "Total number of jobs completed",
			},
			[]string{"queue"},
		)
		jobsFailedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "jobs_failed_total",
				Help: "Total number of jobs failed",
			},
			[]string{"queue"},
		)
		jobDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "job_duration_seconds",
				Help:    "Job processing duration in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200, 21600},
			},
			[]string{"queue"},
		)

		aiRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "ai_requests_total",
				Help: "Total number of AI requests by provider and operation",
			},
			[]string{"provider", "operation"},
		)
		aiRequestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "ai_request_duration_seconds",
				Help:    "AI request duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "operation"},
		)

		objectStoreOps = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "object_store_ops_total",
				Help: "Total number of object store operations",
			},
			[]string{"operation"},
		)
		objectStoreOpDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "object_store_op_duration_seconds",
				Help:    "Object store operation duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"operation"},
		)

		controlPlaneOps = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "control_plane_ops_total",
				Help: "Total number of control plane requests",
			},
			[]string{"operation"},
		)
		controlPlaneOpDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "control_plane_op_duration_seconds",
				Help:    "Control plane request duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"operation"},
		)

		graphRunsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "graph_runs_total",
				Help: "Total number of ComfyUI graph runs",
			},
			[]string{"status"},
		)
		graphRunDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    prefix + "graph_run_duration_seconds",
				Help:    "ComfyUI graph run duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		)

		transcodesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "transcodes_total",
				Help: "Total number of FFmpeg transcodes",
			},
			[]string{"status"},
		)
		transcodeDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    prefix + "transcode_duration_seconds",
				Help:    "FFmpeg transcode duration in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		)

		registry.MustRegister(
			jobsProcessing, jobsCompletedTotal, jobsFailedTotal, jobDuration,
			aiRequestsTotal, aiRequestDuration,
			objectStoreOps, objectStoreOpDuration,
			controlPlaneOps, controlPlaneOpDuration,
			graphRunsTotal, graphRunDuration,
			transcodesTotal, transcodeDuration,
		)
	})
}

// Registry returns the worker metrics registry, or nil before InitMetrics.
func Registry() *prometheus.Registry {
	return registry
}

// MustRegister adds extra collectors (queue depth, etc.) to the registry.
func MustRegister(cs ...prometheus.Collector) {
	if registry == nil {
		return
	}
	registry.MustRegister(cs...)
}

func StartJob(queue string) {
	if jobsProcessing != nil {
		jobsProcessing.WithLabelValues(queue).Inc()
	}
}

func CompleteJob(queue string) {
	if jobsProcessing != nil {
		jobsProcessing.WithLabelValues(queue).Dec()
		jobsCompletedTotal.WithLabelValues(queue).Inc()
	}
}

func FailJob(queue string) {
	if jobsProcessing != nil {
		jobsProcessing.WithLabelValues(queue).Dec()
		jobsFailedTotal.WithLabelValues(queue).Inc()
	}
}

func ObserveJobDuration(queue string, d time.Duration) {
	if jobDuration != nil {
		jobDuration.WithLabelValues(queue).Observe(d.Seconds())
	}
}

func ObserveAIRequest(provider, operation string, d time.Duration) {
	if aiRequestsTotal != nil {
		aiRequestsTotal.WithLabelValues(provider, operation).Inc()
		aiRequestDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
	}
}

func ObserveObjectStoreOp(operation string, d time.Duration) {
	if objectStoreOps != nil {
		objectStoreOps.WithLabelValues(operation).Inc()
		objectStoreOpDuration.WithLabelValues(operation).Observe(d.Seconds())
	}
}

func ObserveControlPlaneOp(operation string, d time.Duration) {
	if controlPlaneOps != nil {
		controlPlaneOps.WithLabelValues(operation).Inc()
		controlPlaneOpDuration.WithLabelValues(operation).Observe(d.Seconds())
	}
}

func ObserveGraphRun(d time.Duration, ok bool) {
	if graphRunsTotal != nil {
		graphRunsTotal.WithLabelValues(statusLabel(ok)).Inc()
		graphRunDuration.Observe(d.Seconds())
	}
}

func ObserveTranscode(d time.Duration, ok bool) {
	if transcodesTotal != nil {
		transcodesTotal.WithLabelValues(statusLabel(ok)).Inc()
		transcodeDuration.Observe(d.Seconds())
	}
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
