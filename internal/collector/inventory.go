package collector

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rebellions-sw/rbln-metrics-exporter/internal/daemon"
)

// Inventory gauges. They are not part of the Kind table: health uses the
// device labels, version info adds the installed software as labels and
// always reports 1.
const (
	HealthMetricName      = "RBLN_DEVICE_STATUS:HEALTH"
	VersionInfoMetricName = "RBLN_DEVICE_STATUS:VERSION_INFO"
)

// Version labels appended to the device labels of the version info gauge.
const (
	LabelDriverVersion   = "driver_version"
	LabelFirmwareVersion = "firmware_version"
	LabelSMCVersion      = "smc_version"
)

// InventoryService is the part of the daemon API reporting device health
// and installed versions. Implementations must be safe for concurrent use.
type InventoryService interface {
	GetTotalInfo(ctx context.Context) ([]daemon.DeviceStatus, error)
	GetVersion(ctx context.Context, device daemon.Device) (daemon.VersionInfo, error)
}

// Inventory exports device health and version info next to the telemetry
// gauges.
type Inventory struct {
	svc      InventoryService
	health   *prometheus.GaugeVec
	versions *prometheus.GaugeVec

	mu sync.Mutex
	// version series currently exported, by device UUID
	current map[string]prometheus.Labels
}

// NewInventory registers the inventory gauges with registerer.
func NewInventory(svc InventoryService, registerer prometheus.Registerer) (*Inventory, error) {
	inv := &Inventory{
		svc: svc,
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: HealthMetricName,
			Help: "NPU health status (0 = healthy, otherwise the daemon error status)",
		}, LabelNames),
		versions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: VersionInfoMetricName,
			Help: "Driver, firmware and SMC versions installed for the NPU",
		}, slices.Concat(LabelNames, []string{LabelDriverVersion, LabelFirmwareVersion, LabelSMCVersion})),
		current: make(map[string]prometheus.Labels),
	}
	for _, vec := range []*prometheus.GaugeVec{inv.health, inv.versions} {
		if err := registerer.Register(vec); err != nil {
			return nil, fmt.Errorf("register inventory gauge: %w", err)
		}
	}
	return inv, nil
}

func (inv *Inventory) setHealth(labels prometheus.Labels, status int64) {
	inv.health.With(labels).Set(float64(status))
}

// setVersion replaces the version series of a device, so an upgrade does
// not leave the old versions behind.
func (inv *Inventory) setVersion(labels prometheus.Labels, v daemon.VersionInfo) {
	series := prometheus.Labels{
		LabelDriverVersion:   v.DriverVersion,
		LabelFirmwareVersion: v.FirmwareVersion,
		LabelSMCVersion:      v.SMCVersion,
	}
	maps.Copy(series, labels)

	inv.mu.Lock()
	defer inv.mu.Unlock()

	uuid := labels[LabelUUID]
	if prev, ok := inv.current[uuid]; ok && !maps.Equal(prev, series) {
		inv.versions.Delete(prev)
	}
	inv.current[uuid] = series
	inv.versions.With(series).Set(1)
}
