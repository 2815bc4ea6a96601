// Package metrics exposes a local /metrics endpoint for the worker's own
// liveness and fuzzing-throughput counters, the passive observability
// surface SPEC_FULL.md's domain stack section describes. It is not a
// control-plane dashboard (that remains a Non-goal) — just gauges and
// counters a local Prometheus scrape target can pick up.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns this bot process's metric collectors.
type Registry struct {
	reg *prometheus.Registry

	TasksProcessed    *prometheus.CounterVec
	TestcasesExecuted prometheus.Counter
	CrashesFound      *prometheus.CounterVec
	CorpusSize        *prometheus.GaugeVec
	WorkerUp          prometheus.Gauge
}

// New constructs a Registry with every collector registered.
func New(botName string) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		TasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pingubot",
			Name:      "tasks_processed_total",
			Help:      "Tasks dispatched to completion, by command and outcome.",
		}, []string{"command", "outcome"}),
		TestcasesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pingubot",
			Name:      "testcases_executed_total",
			Help:      "Individual testcase executions across all fuzzing sessions.",
		}),
		CrashesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pingubot",
			Name:      "crashes_found_total",
			Help:      "Crashes discovered, by fuzzer.",
		}, []string{"fuzzer"}),
		CorpusSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pingubot",
			Name:      "corpus_size_units",
			Help:      "Current on-disk corpus size, in units, by fuzzer and corpus kind.",
		}, []string{"fuzzer", "kind"}),
		WorkerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pingubot",
			Name:        "worker_up",
			Help:        "1 while this bot's worker loop is alive.",
			ConstLabels: prometheus.Labels{"bot": botName},
		}),
	}

	reg.MustRegister(r.TasksProcessed, r.TestcasesExecuted, r.CrashesFound, r.CorpusSize, r.WorkerUp)
	return r
}

// Serve starts an HTTP server exposing /metrics until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
