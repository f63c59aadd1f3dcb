// Package app assembles the worker's HTTP surface: metrics, the queue
// dashboard, and health/readiness probes.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/influencerai/worker/internal/config"
)

const basicAuthRealm = "influencerai-worker"

// ReadinessCheck is one probe result in the /readyz response.
type ReadinessCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// NamedCheck pairs a probe with its stable name.
type NamedCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// BuildMonitorRouter constructs the monitoring handler: /metrics from the
// worker registry, /bull-board for the queue dashboard (Basic auth when
// credentials are configured), and health/readiness probes.
func BuildMonitorRouter(cfg config.Config, reg *prometheus.Registry, checks []NamedCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", readyzHandler(checks))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	dashboard := asynqmon.New(asynqmon.Options{
		RootPath:     "/bull-board",
		RedisConnOpt: asynq.RedisClientOpt{Addr: cfg.RedisAddr()},
	})
	if cfg.DashboardAuthEnabled() {
		r.Group(func(gr chi.Router) {
			gr.Use(middleware.BasicAuth(basicAuthRealm, map[string]string{cfg.BullBoardUser: cfg.BullBoardPassword}))
			gr.Mount("/bull-board", dashboard)
		})
	} else {
		r.Mount("/bull-board", dashboard)
	}
	return r
}

func readyzHandler(checks []NamedCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		allOK := true
		results := make([]ReadinessCheck, 0, len(checks))
		for _, c := range checks {
			res := ReadinessCheck{Name: c.Name, OK: true}
			if err := c.Check(ctx); err != nil {
				res.OK = false
				res.Details = err.Error()
				allOK = false
			}
			results = append(results, res)
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if !allOK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"checks": results})
	}
}
