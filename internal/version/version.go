// Package version tracks build metadata for the exporter.
package version

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Info describes build metadata for the exporter.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

var (
	info      = Info{Version: "dev"}
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the exporter.
func Set(v Info) {
	infoMutex.Lock()
	defer infoMutex.Unlock()

	if v.Version == "" {
		v.Version = "dev"
	}
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}

// NewCollector returns a constant gauge carrying the current build metadata
// as labels. Call after Set.
func NewCollector(namespace string) prometheus.Collector {
	current := Current()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata of the running exporter; always 1.",
		ConstLabels: prometheus.Labels{
			"version":    current.Version,
			"commit":     current.Commit,
			"build_time": current.BuildTime,
		},
	})
	gauge.Set(1)
	return gauge
}
