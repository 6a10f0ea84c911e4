package collector

import "github.com/prometheus/client_golang/prometheus"

const selfNamespace = "rbln_metrics_exporter"

// cycleMetrics describes the exporter's own collection health.
type cycleMetrics struct {
	cycles          prometheus.Counter
	duration        prometheus.Gauge
	lastCycle       prometheus.Gauge
	devices         prometheus.Gauge
	connectFailures prometheus.Counter
	fetchFailures   *prometheus.CounterVec
	droppedSamples  prometheus.Counter
}

func newCycleMetrics() *cycleMetrics {
	return &cycleMetrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: selfNamespace,
			Name:      "cycles_total",
			Help:      "Total collection cycles run.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: selfNamespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of the latest collection cycle.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: selfNamespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix timestamp of the latest completed collection cycle.",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: selfNamespace,
			Name:      "devices",
			Help:      "Devices reported by the daemon in the latest cycle.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: selfNamespace,
			Name:      "daemon_connect_failures_total",
			Help:      "Cycles skipped because the daemon was unreachable.",
		}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: selfNamespace,
			Name:      "fetch_failures_total",
			Help:      "Failed daemon queries by metric group.",
		}, []string{"group"}),
		droppedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: selfNamespace,
			Name:      "dropped_samples_total",
			Help:      "Samples fetched but not written, e.g. for unknown card models.",
		}),
	}
}

func (m *cycleMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.cycles,
		m.duration,
		m.lastCycle,
		m.devices,
		m.connectFailures,
		m.fetchFailures,
		m.droppedSamples,
	}
}
