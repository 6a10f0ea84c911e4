// Package collector polls the RBLN daemon and writes device telemetry to a
// gauge sink.
//
// One cycle connects to the daemon, lists the serviceable devices and
// queries three metric groups per device concurrently. Failures are logged
// and absorbed where they happen: a failed group only loses its own gauges,
// an unreachable daemon only loses the cycle. The number of in-flight
// queries is 3 × devices, plus one version query per device and one health
// stream when an Inventory is attached; there is no further cap.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rebellions-sw/rbln-metrics-exporter/internal/daemon"
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/report"
)

// DeviceService is the subset of the daemon API used for collection.
// Implementations must be safe for concurrent use.
type DeviceService interface {
	Connect(ctx context.Context) error
	ListServiceableDevices(ctx context.Context) ([]daemon.Device, error)
	GetHardwareInfo(ctx context.Context, device daemon.Device) (daemon.HardwareInfo, error)
	GetMemoryInfo(ctx context.Context, device daemon.Device) (daemon.MemoryInfo, error)
	GetUtilization(ctx context.Context, device daemon.Device) (daemon.Utilization, error)
}

// Publisher receives a summary after every cycle.
type Publisher interface {
	Publish(report.Cycle)
}

type group struct {
	label   string
	failure string
}

var (
	hardwareGroup    = group{label: "hw_info", failure: "failed to get hw info"}
	memoryGroup      = group{label: "memory_info", failure: "failed to get memory info"}
	utilizationGroup = group{label: "utilization", failure: "failed to get utilization"}
	healthGroup      = group{label: "health", failure: "failed to get device health"}
	versionGroup     = group{label: "version", failure: "failed to get version"}
)

// Collector runs collection cycles.
type Collector struct {
	daemon    DeviceService
	sink      Sink
	families  FamilyResolver
	publisher Publisher
	inventory *Inventory
	logger    *slog.Logger
	metrics   *cycleMetrics
}

// Option customises a Collector.
type Option func(*Collector)

// WithInventory adds device health and version info to every cycle.
func WithInventory(inv *Inventory) Option {
	return func(c *Collector) {
		c.inventory = inv
	}
}

// New builds a Collector. publisher may be nil.
func New(svc DeviceService, sink Sink, families FamilyResolver, publisher Publisher, logger *slog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		daemon:    svc,
		sink:      sink,
		families:  families,
		publisher: publisher,
		logger:    logger,
		metrics:   newCycleMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds the collector's own health metrics to registerer.
func (c *Collector) Register(registerer prometheus.Registerer) {
	for _, collector := range c.metrics.collectors() {
		registerer.MustRegister(collector)
	}
}

// cycle holds per-cycle bookkeeping. Counters are shared by the fetch
// goroutines of the cycle.
type cycle struct {
	id        string
	started   time.Time
	logger    *slog.Logger
	connected bool
	devices   []daemon.Device

	writes   atomic.Int64
	failures atomic.Int64
	dropped  atomic.Int64
}

// RunCycle performs one collection pass. It returns once every query
// started by the cycle has finished; errors never escape it.
func (c *Collector) RunCycle(ctx context.Context) {
	id := uuid.NewString()
	cyc := &cycle{
		id:      id,
		started: time.Now(),
		logger:  c.logger.With("cycle_id", id),
	}
	defer c.finish(cyc)

	if err := c.daemon.Connect(ctx); err != nil {
		cyc.logger.Error("failed to connect to rbln daemon", "err", err)
		c.metrics.connectFailures.Inc()
		return
	}
	cyc.connected = true

	cyc.devices = c.resolveDevices(ctx, cyc)

	var wg sync.WaitGroup
	for _, device := range cyc.devices {
		wg.Add(3)
		go func() {
			defer wg.Done()
			c.fetchHardware(ctx, cyc, device)
		}()
		go func() {
			defer wg.Done()
			c.fetchMemory(ctx, cyc, device)
		}()
		go func() {
			defer wg.Done()
			c.fetchUtilization(ctx, cyc, device)
		}()
		if c.inventory != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.fetchVersion(ctx, cyc, device)
			}()
		}
	}
	if c.inventory != nil && len(cyc.devices) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.fetchHealth(ctx, cyc)
		}()
	}
	wg.Wait()
}

// resolveDevices returns the current device list, or nothing if the
// daemon could not provide one.
func (c *Collector) resolveDevices(ctx context.Context, cyc *cycle) []daemon.Device {
	devices, err := c.daemon.ListServiceableDevices(ctx)
	if err != nil {
		cyc.logger.Error("failed to get serviceable devices", "err", err)
		return nil
	}
	return devices
}

func (c *Collector) fetchHardware(ctx context.Context, cyc *cycle, device daemon.Device) {
	info, err := c.daemon.GetHardwareInfo(ctx, device)
	if err != nil {
		c.fetchFailed(cyc, hardwareGroup, device, err)
		return
	}
	c.report(cyc, Temperature, info.Temperature, device)
	c.report(cyc, Power, info.Watt, device)
}

func (c *Collector) fetchMemory(ctx context.Context, cyc *cycle, device daemon.Device) {
	info, err := c.daemon.GetMemoryInfo(ctx, device)
	if err != nil {
		c.fetchFailed(cyc, memoryGroup, device, err)
		return
	}
	c.report(cyc, DramTotal, info.TotalMem, device)
	c.report(cyc, DramUsed, info.UsedMem, device)
}

func (c *Collector) fetchUtilization(ctx context.Context, cyc *cycle, device daemon.Device) {
	info, err := c.daemon.GetUtilization(ctx, device)
	if err != nil {
		c.fetchFailed(cyc, utilizationGroup, device, err)
		return
	}
	c.report(cyc, Utilization, info.Utilization, device)
}

// fetchHealth reads the status of every device in one stream and writes
// it for the devices listed this cycle.
func (c *Collector) fetchHealth(ctx context.Context, cyc *cycle) {
	statuses, err := c.inventory.svc.GetTotalInfo(ctx)
	if err != nil {
		cyc.logger.Error(healthGroup.failure, "err", err)
		cyc.failures.Add(1)
		c.metrics.fetchFailures.WithLabelValues(healthGroup.label).Inc()
		return
	}

	byUUID := make(map[string]int64, len(statuses))
	for _, st := range statuses {
		byUUID[st.UUID] = st.ErrStatus
	}
	for _, device := range cyc.devices {
		status, ok := byUUID[device.UUID]
		if !ok {
			cyc.logger.Warn("no health status for device", "device", device.Name)
			continue
		}
		labels, err := deviceLabels(device, c.families)
		if err != nil {
			cyc.logger.Error("failed to label metric", "device", device.Name, "metric", HealthMetricName, "err", err)
			c.drop(cyc)
			continue
		}
		c.inventory.setHealth(labels, status)
		cyc.writes.Add(1)
	}
}

func (c *Collector) fetchVersion(ctx context.Context, cyc *cycle, device daemon.Device) {
	info, err := c.inventory.svc.GetVersion(ctx, device)
	if err != nil {
		c.fetchFailed(cyc, versionGroup, device, err)
		return
	}
	labels, err := deviceLabels(device, c.families)
	if err != nil {
		cyc.logger.Error("failed to label metric", "device", device.Name, "metric", VersionInfoMetricName, "err", err)
		c.drop(cyc)
		return
	}
	c.inventory.setVersion(labels, info)
	cyc.writes.Add(1)
}

func (c *Collector) fetchFailed(cyc *cycle, g group, device daemon.Device, err error) {
	cyc.logger.Error(g.failure, "device", device.Name, "err", err)
	cyc.failures.Add(1)
	c.metrics.fetchFailures.WithLabelValues(g.label).Inc()
}

// report writes one sample. A sample that cannot be labeled or written is
// dropped without affecting any other sample.
func (c *Collector) report(cyc *cycle, kind Kind, value float32, device daemon.Device) {
	id, err := Identify(kind, device, c.families)
	if err != nil {
		cyc.logger.Error("failed to label metric", "device", device.Name, "metric", kind, "err", err)
		c.drop(cyc)
		return
	}
	if err := c.sink.Set(id, float64(value)); err != nil {
		cyc.logger.Error("failed to write metric", "device", device.Name, "metric", kind, "err", err)
		c.drop(cyc)
		return
	}
	cyc.writes.Add(1)
	cyc.logger.Debug("reported metric", "device", device.Name, "metric", kind, "value", value)
}

func (c *Collector) drop(cyc *cycle) {
	cyc.dropped.Add(1)
	c.metrics.droppedSamples.Inc()
}

func (c *Collector) finish(cyc *cycle) {
	elapsed := time.Since(cyc.started)

	c.metrics.cycles.Inc()
	c.metrics.duration.Set(elapsed.Seconds())
	c.metrics.lastCycle.SetToCurrentTime()
	c.metrics.devices.Set(float64(len(cyc.devices)))

	summary := report.Cycle{
		ID:             cyc.id,
		Started:        cyc.started.UTC(),
		DurationMS:     float64(elapsed) / float64(time.Millisecond),
		Connected:      cyc.connected,
		Devices:        make([]report.Device, 0, len(cyc.devices)),
		Writes:         int(cyc.writes.Load()),
		FetchFailures:  int(cyc.failures.Load()),
		DroppedSamples: int(cyc.dropped.Load()),
	}
	for _, device := range cyc.devices {
		card, _ := c.families.Family(device.InternalID)
		summary.Devices = append(summary.Devices, report.Device{
			Name:  device.Name,
			UUID:  device.UUID,
			Model: device.InternalID,
			Card:  card,
		})
	}

	cyc.logger.Debug("cycle complete",
		"devices", len(cyc.devices),
		"writes", summary.Writes,
		"fetch_failures", summary.FetchFailures,
		"dropped_samples", summary.DroppedSamples,
		"duration", elapsed,
	)

	if c.publisher != nil {
		c.publisher.Publish(summary)
	}
}
