// Package app wires up and runs the exporter services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rebellions-sw/rbln-metrics-exporter/internal/cards"
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/collector"
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/config"
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/daemon"
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/httpserver"
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/report"
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

var (
	_ collector.DeviceService    = (*daemon.Client)(nil)
	_ collector.InventoryService = (*daemon.Client)(nil)
)

// App holds the wired exporter components.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	hub      *report.Hub
	closer   func() error

	scheduler *scheduler.Scheduler
	server    *httpserver.Server
}

// Option customises App construction.
type Option func(*options)

type options struct {
	service collector.DeviceService
}

// WithDeviceService replaces the gRPC daemon client.
func WithDeviceService(svc collector.DeviceService) Option {
	return func(o *options) {
		o.service = svc
	}
}

// New builds every component without starting any of them.
func New(cfg config.Config, baseLogger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:      cfg,
		logger:   baseLogger.With("component", "app"),
		registry: prometheus.NewRegistry(),
		hub:      report.NewHub(),
		closer:   func() error { return nil },
	}

	svc := o.service
	if svc == nil {
		client, err := daemon.NewClient(cfg.DaemonURL, baseLogger.With("component", "daemon"))
		if err != nil {
			return nil, fmt.Errorf("init daemon client: %w", err)
		}
		svc = client
		a.closer = client.Close
	}

	sink, err := collector.NewPrometheusSink(a.registry)
	if err != nil {
		_ = a.closer()
		return nil, fmt.Errorf("init metric sink: %w", err)
	}

	var fallback cards.LookupFunc
	if cfg.PCIDBFallback {
		fallback = cards.PCIDatabaseLookup
	}

	var collOpts []collector.Option
	if cfg.DeviceInventory {
		invSvc, ok := svc.(collector.InventoryService)
		if !ok {
			_ = a.closer()
			return nil, fmt.Errorf("device inventory: %T does not report health or versions", svc)
		}
		inv, err := collector.NewInventory(invSvc, a.registry)
		if err != nil {
			_ = a.closer()
			return nil, fmt.Errorf("init device inventory: %w", err)
		}
		collOpts = append(collOpts, collector.WithInventory(inv))
	}

	coll := collector.New(svc, sink, cards.NewResolver(fallback), a.hub, baseLogger.With("component", "collector"), collOpts...)
	coll.Register(a.registry)

	a.scheduler, err = scheduler.New(coll, cfg.Interval, cfg.CycleTimeout, baseLogger)
	if err != nil {
		_ = a.closer()
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	a.server = httpserver.New(cfg, baseLogger.With("component", "http"), a.registry, a.hub)
	return a, nil
}

// Run binds the listener and collects until ctx is canceled, or once in
// one-shot mode.
func (a *App) Run(ctx context.Context) error {
	if err := a.server.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Serve()
	}()

	if a.cfg.Oneshot {
		a.scheduler.RunOnce(ctx)
		return a.shutdown(errCh)
	}

	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- a.scheduler.Run(schedCtx)
	}()

	select {
	case err := <-errCh:
		schedCancel()
		<-schedDone
		if err == nil {
			err = errors.New("http server stopped unexpectedly")
		}
		return err
	case <-ctx.Done():
		a.logger.Info("shutdown initiated", "reason", ctx.Err())
		schedCancel()
		if err := <-schedDone; err != nil {
			return err
		}
		return a.shutdown(errCh)
	}
}

// Close releases the daemon connection.
func (a *App) Close() error {
	return a.closer()
}

func (a *App) shutdown(errCh <-chan error) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil {
		return err
	}

	a.logger.Info("shutdown complete")
	return nil
}

// Run bootstraps the exporter lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	a, err := New(cfg, baseLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("daemon client close", "err", err)
		}
	}()

	a.logger.Info("starting exporter",
		"daemon", cfg.DaemonURL,
		"listen_addr", cfg.ListenAddr(),
		"interval", cfg.Interval,
		"oneshot", cfg.Oneshot,
		"device_inventory", cfg.DeviceInventory,
	)
	return a.Run(ctx)
}
