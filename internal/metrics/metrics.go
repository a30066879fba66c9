// Package metrics exposes the fleet's operational counters and gauges on
// a Prometheus-compatible /metrics endpoint. It is deliberately thin:
// a fixed set of collectors registered once at process start, updated
// by the components that own the numbers (task runner, memory
// accountant, registry, rpc server) through plain method calls rather
// than a shared global, the same explicit-handle rule the logger
// follows.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// Metrics is the fleet-wide collector set. One instance per process
// (agent or orchestrator); both register against their own
// prometheus.Registry so an agent and a co-located orchestrator never
// collide on collector names within one binary.
type Metrics struct {
	registry *prometheus.Registry

	TasksStarted   prometheus.Counter
	TasksCompleted *prometheus.CounterVec
	TaskDuration   prometheus.Histogram
	TokensEmitted  prometheus.Counter
	ToolCalls      *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	CtxUsage       prometheus.Gauge
	RPCRequests    *prometheus.CounterVec
	RPCLatency     *prometheus.HistogramVec
}

// New builds and registers a fresh collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentfleet",
			Subsystem: "task",
			Name:      "started_total",
			Help:      "Number of queued items the task runner has begun processing.",
		}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentfleet",
			Subsystem: "task",
			Name:      "completed_total",
			Help:      "Number of tasks completed, labeled by outcome (ok|error|interrupted|cancelled).",
		}, []string{"outcome"}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentfleet",
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of one task run, from task.start to task.end.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		TokensEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentfleet",
			Subsystem: "model",
			Name:      "tokens_emitted_total",
			Help:      "Number of streamed token chunks emitted on the tail channel.",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentfleet",
			Subsystem: "task",
			Name:      "tool_calls_total",
			Help:      "Number of tool calls executed, labeled by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentfleet",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of items waiting in the prompt queue.",
		}),
		CtxUsage: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentfleet",
			Subsystem: "memory",
			Name:      "ctx_usage_fraction",
			Help:      "Current context-window usage fraction in [0,1].",
		}),
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentfleet",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Number of RPC requests dispatched, labeled by method and ok/error.",
		}, []string{"method", "result"}),
		RPCLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentfleet",
			Subsystem: "rpc",
			Name:      "latency_seconds",
			Help:      "RPC dispatch latency, labeled by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// ObserveRPC records one RPC dispatch's outcome and latency.
func (m *Metrics) ObserveRPC(method string, ok bool, elapsed time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.RPCRequests.WithLabelValues(method, result).Inc()
	m.RPCLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts a dedicated HTTP server exposing /metrics on addr and
// runs until ctx is cancelled.
func Serve(ctx context.Context, addr string, m *Metrics, log *logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown failed")
		}
		return nil
	case err := <-errCh:
		return err
	}
}
