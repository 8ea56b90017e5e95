package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame results recorded by FramesTotal.
const (
	resultOK        = "ok"
	resultMalformed = "malformed"
	resultOverflow  = "overflow"
)

// Metrics holds the daemon's counters. Each instance owns its registry so
// tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	FramesTotal      *prometheus.CounterVec
	CommandsTotal    *prometheus.CounterVec
	IndexErrorsTotal *prometheus.CounterVec
	LeavesTotal      *prometheus.CounterVec
	BytesRead        prometheus.Counter
	Reopens          prometheus.Counter
	Generations      prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "malachi",
			Name:      "frames_total",
			Help:      "Frames consumed from the command pipe by format and result.",
		}, []string{"format", "result"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "malachi",
			Name:      "commands_total",
			Help:      "Commands dispatched by operation.",
		}, []string{"op"}),
		IndexErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "malachi",
			Name:      "index_errors_total",
			Help:      "Repository index failures by stage.",
		}, []string{"stage"}),
		LeavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "malachi",
			Name:      "leaves_total",
			Help:      "Repository files indexed by change kind.",
		}, []string{"change"}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "malachi",
			Name:      "pipe_read_bytes_total",
			Help:      "Bytes read from the command pipe.",
		}),
		Reopens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "malachi",
			Name:      "pipe_reopens_total",
			Help:      "Times the command pipe was reopened after a writer left.",
		}),
		Generations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "malachi",
			Name:      "generations_total",
			Help:      "Generation separators seen in the legacy stream.",
		}),
	}
	m.registry.MustRegister(
		m.FramesTotal,
		m.CommandsTotal,
		m.IndexErrorsTotal,
		m.LeavesTotal,
		m.BytesRead,
		m.Reopens,
		m.Generations,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a /metrics listener on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.Info("metrics listener started", "addr", addr, "path", "/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
