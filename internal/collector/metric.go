package collector

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rebellions-sw/rbln-metrics-exporter/internal/daemon"
)

// Kind enumerates the device metrics exported as gauges.
type Kind int

const (
	Temperature Kind = iota
	Power
	DramTotal
	DramUsed
	Utilization

	kindCount
)

// Label names attached to every device gauge.
const (
	LabelCard   = "card"
	LabelUUID   = "uuid"
	LabelDevice = "device"
)

// LabelNames lists the device gauge labels in exposition order.
var LabelNames = []string{LabelCard, LabelUUID, LabelDevice}

type kindInfo struct {
	name string
	help string
}

// Indexed by Kind, in declaration order.
var kinds = [...]kindInfo{
	{"RBLN_DEVICE_STATUS:TEMPERATURE", "NPU temperature (C)"},
	{"RBLN_DEVICE_STATUS:CARD_POWER", "Card power usage (W)"},
	{"RBLN_DEVICE_STATUS:DRAM_TOTAL", "DRAM total"},
	{"RBLN_DEVICE_STATUS:DRAM_USED", "DRAM used"},
	{"RBLN_DEVICE_STATUS:UTILIZATION", "Utilization (%)"},
}

// Fails to compile unless every Kind has exactly one entry in kinds.
var _ = [1]struct{}{}[len(kinds)-int(kindCount)]

// Kinds returns every metric kind.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// MetricName returns the exposition name of k.
func (k Kind) MetricName() string {
	return kinds[k].name
}

// Help returns the metric help text of k.
func (k Kind) Help() string {
	return kinds[k].help
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kinds[k].name
}

// Identity names one gauge series.
type Identity struct {
	Name   string
	Labels prometheus.Labels
}

// FamilyResolver resolves a device model code to its card family.
type FamilyResolver interface {
	Family(code string) (string, error)
}

// Identify maps a metric of device to its series identity. It fails only
// when the device model code has no card family.
func Identify(kind Kind, device daemon.Device, families FamilyResolver) (Identity, error) {
	labels, err := deviceLabels(device, families)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Name: kind.MetricName(), Labels: labels}, nil
}

func deviceLabels(device daemon.Device, families FamilyResolver) (prometheus.Labels, error) {
	card, err := families.Family(device.InternalID)
	if err != nil {
		return nil, fmt.Errorf("resolve card of %s: %w", device.Name, err)
	}
	return prometheus.Labels{
		LabelCard:   card,
		LabelUUID:   device.UUID,
		LabelDevice: device.Name,
	}, nil
}
