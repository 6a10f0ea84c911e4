package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rebellions-sw/rbln-metrics-exporter/internal/config"
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/daemon"
)

type stubService struct{}

func (stubService) Connect(context.Context) error { return nil }

func (stubService) ListServiceableDevices(context.Context) ([]daemon.Device, error) {
	return []daemon.Device{{InternalID: "1221", UUID: "uuid-0", Name: "rbln0"}}, nil
}

func (stubService) GetHardwareInfo(context.Context, daemon.Device) (daemon.HardwareInfo, error) {
	return daemon.HardwareInfo{Temperature: 50, Watt: 120}, nil
}

func (stubService) GetMemoryInfo(context.Context, daemon.Device) (daemon.MemoryInfo, error) {
	return daemon.MemoryInfo{TotalMem: 64, UsedMem: 8}, nil
}

func (stubService) GetUtilization(context.Context, daemon.Device) (daemon.Utilization, error) {
	return daemon.Utilization{Utilization: 12.5}, nil
}

// inventoryService also reports health and versions.
type inventoryService struct {
	stubService
}

func (inventoryService) GetTotalInfo(context.Context) ([]daemon.DeviceStatus, error) {
	return []daemon.DeviceStatus{{UUID: "uuid-0", ErrStatus: 2}}, nil
}

func (inventoryService) GetVersion(context.Context, daemon.Device) (daemon.VersionInfo, error) {
	return daemon.VersionInfo{DriverVersion: "1.2.92", FirmwareVersion: "1.2.6", SMCVersion: "2.0.1"}, nil
}

func testConfig() config.Config {
	return config.Config{
		DaemonURL:    "127.0.0.1:50051",
		Port:         0,
		Interval:     time.Second,
		CycleTimeout: time.Second,
		WS: config.WebsocketConfig{
			MaxClients:   4,
			WriteTimeout: time.Second,
		},
	}
}

func newTestApp(t *testing.T, cfg config.Config, opts ...Option) *App {
	t.Helper()
	if len(opts) == 0 {
		opts = []Option{WithDeviceService(stubService{})}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(cfg, logger, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestRunOneshotCollectsAndExits(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Oneshot = true
	a := newTestApp(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cycle, ok := a.hub.Latest()
	if !ok {
		t.Fatalf("expected a completed cycle")
	}
	if cycle.Writes != 5 {
		t.Fatalf("expected 5 writes, got %d", cycle.Writes)
	}
	if len(cycle.Devices) != 1 || cycle.Devices[0].Card != "RBLN-CA22" {
		t.Fatalf("unexpected devices %+v", cycle.Devices)
	}

	count, err := testutil.GatherAndCount(a.registry, "RBLN_DEVICE_STATUS:CARD_POWER", "RBLN_DEVICE_STATUS:UTILIZATION")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 series, got %d", count)
	}
}

func TestRunOneshotWithInventory(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Oneshot = true
	cfg.DeviceInventory = true
	a := newTestApp(t, cfg, WithDeviceService(inventoryService{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cycle, _ := a.hub.Latest()
	if cycle.Writes != 7 {
		t.Fatalf("expected 7 writes with inventory, got %d", cycle.Writes)
	}
	count, err := testutil.GatherAndCount(a.registry, "RBLN_DEVICE_STATUS:HEALTH", "RBLN_DEVICE_STATUS:VERSION_INFO")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected health and version series, got %d", count)
	}
}

func TestNewRejectsInventoryWithoutSupport(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.DeviceInventory = true
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(cfg, logger, WithDeviceService(stubService{}))
	if err == nil || !strings.Contains(err.Error(), "device inventory") {
		t.Fatalf("expected device inventory error, got %v", err)
	}
}

func TestRunPeriodicStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := a.hub.Latest(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no cycle completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunFailsWhenPortTaken(t *testing.T) {
	t.Parallel()

	occupied, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()

	cfg := testConfig()
	cfg.Port = occupied.Addr().(*net.TCPAddr).Port
	a := newTestApp(t, cfg)

	err = a.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "listen:") {
		t.Fatalf("expected listen error, got %v", err)
	}
	if _, ok := a.hub.Latest(); ok {
		t.Fatalf("no cycle may run without a listener")
	}
}
