package collector

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink accepts gauge writes. Each write replaces the previous value of the
// series. Implementations must be safe for concurrent use.
type Sink interface {
	Set(id Identity, value float64) error
}

// PrometheusSink writes device gauges into a Prometheus registry.
type PrometheusSink struct {
	gauges map[string]*prometheus.GaugeVec
}

// NewPrometheusSink creates one gauge vector per metric kind and registers
// them with registerer.
func NewPrometheusSink(registerer prometheus.Registerer) (*PrometheusSink, error) {
	sink := &PrometheusSink{
		gauges: make(map[string]*prometheus.GaugeVec, kindCount),
	}
	for _, kind := range Kinds() {
		vec := prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: kind.MetricName(),
				Help: kind.Help(),
			}, LabelNames,
		)
		if err := registerer.Register(vec); err != nil {
			return nil, fmt.Errorf("register %s: %w", kind.MetricName(), err)
		}
		sink.gauges[kind.MetricName()] = vec
	}
	return sink, nil
}

// Set implements Sink.
func (s *PrometheusSink) Set(id Identity, value float64) error {
	vec, ok := s.gauges[id.Name]
	if !ok {
		return fmt.Errorf("unknown gauge %q", id.Name)
	}
	gauge, err := vec.GetMetricWith(id.Labels)
	if err != nil {
		return fmt.Errorf("gauge %s: %w", id.Name, err)
	}
	gauge.Set(value)
	return nil
}
