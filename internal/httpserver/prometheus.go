package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rebellions-sw/rbln-metrics-exporter/internal/version"
)

// registerPrometheus adds the server's own metrics to registry and mounts
// /metrics. Device gauges are registered elsewhere on the same registry.
func (s *Server) registerPrometheus(mux *http.ServeMux, registry *prometheus.Registry) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	wsMetric := func(name, help string, value func() float64, counter bool) prometheus.Collector {
		if counter {
			return prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ws",
				Name:      name,
				Help:      help,
			}, value)
		}
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      name,
			Help:      help,
		}, value)
	}

	registry.MustRegister(
		wsMetric("active_connections", "Current number of active WebSocket clients.",
			func() float64 { return float64(s.wsActive.Load()) }, false),
		wsMetric("connections_total", "Total WebSocket connections accepted since start.",
			func() float64 { return float64(s.wsTotal.Load()) }, true),
		wsMetric("rejected_total", "Total WebSocket connection attempts rejected due to capacity.",
			func() float64 { return float64(s.wsRejected.Load()) }, true),
		wsMetric("messages_sent_total", "Total WebSocket messages sent to clients.",
			func() float64 { return float64(s.wsSent.Load()) }, true),
		wsMetric("messages_dropped_total", "Total WebSocket messages dropped due to backpressure.",
			func() float64 { return float64(s.wsDropped.Load()) }, true),
		version.NewCollector(metricsNamespace),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog:      slogErrorLogger{s.logger},
		ErrorHandling: promhttp.ContinueOnError,
	})
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(registry, handler))
}

type slogErrorLogger struct {
	logger *slog.Logger
}

func (l slogErrorLogger) Println(v ...any) {
	l.logger.Error("metrics exposition failed", "err", fmt.Sprint(v...))
}
