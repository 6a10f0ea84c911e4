package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/rebellions-sw/rbln-metrics-exporter/internal/cards"
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/config"
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/daemon"
)

type options struct {
	daemonURL     string
	sample        bool
	deviceFilter  string
	jsonOutput    bool
	timeout       time.Duration
	pcidbFallback bool
}

type deviceReport struct {
	daemon.Device
	Card        string               `json:"card,omitempty"`
	Hardware    *daemon.HardwareInfo `json:"hw_info,omitempty"`
	Memory      *daemon.MemoryInfo   `json:"memory_info,omitempty"`
	Utilization *daemon.Utilization  `json:"utilization,omitempty"`
	Version     *daemon.VersionInfo  `json:"version,omitempty"`
	ErrStatus   *int64               `json:"err_status,omitempty"`
	Errors      []string             `json:"errors,omitempty"`
}

func parseFlags() (options, error) {
	var opts options
	fs := pflag.NewFlagSet("rbln-daemon-probe", pflag.ContinueOnError)
	fs.StringVar(&opts.daemonURL, "rbln-daemon-url", envOrDefault("RBLN_METRICS_EXPORTER_RBLN_DAEMON_URL", "127.0.0.1:50051"), "Endpoint of the RBLN daemon gRPC server")
	fs.BoolVar(&opts.sample, "sample", false, "Query every metric group per device")
	fs.StringVar(&opts.deviceFilter, "device", "", "Limit sampling to one device name")
	fs.BoolVar(&opts.jsonOutput, "json", false, "Emit the result as JSON")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Second, "Deadline for the whole probe")
	fs.BoolVar(&opts.pcidbFallback, "pcidb-fallback", false, "Resolve unknown card models from the local pci.ids database")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return options{}, err
	}
	opts.daemonURL = config.DaemonTarget(opts.daemonURL)
	return opts, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	opts, err := parseFlags()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	client, err := daemon.NewClient(opts.daemonURL, logger.With("component", "daemon"))
	if err != nil {
		logger.Error("invalid daemon target", "err", err)
		return 1
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect to rbln daemon", "target", opts.daemonURL, "err", err)
		return 1
	}

	devices, err := client.ListServiceableDevices(ctx)
	if err != nil {
		logger.Error("failed to get serviceable devices", "err", err)
		return 1
	}

	var statuses map[string]int64
	if opts.sample {
		statuses = deviceStatuses(ctx, client, logger)
	}

	var fallback cards.LookupFunc
	if opts.pcidbFallback {
		fallback = cards.PCIDatabaseLookup
	}
	resolver := cards.NewResolver(fallback)

	reports := make([]deviceReport, 0, len(devices))
	for _, device := range devices {
		if opts.deviceFilter != "" && opts.deviceFilter != device.Name {
			continue
		}
		rep := deviceReport{Device: device}
		if card, err := resolver.Family(device.InternalID); err != nil {
			rep.Errors = append(rep.Errors, err.Error())
		} else {
			rep.Card = card
		}
		if opts.sample {
			sampleDevice(ctx, client, &rep)
			if status, ok := statuses[device.UUID]; ok {
				rep.ErrStatus = &status
			}
		}
		reports = append(reports, rep)
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			logger.Error("encode probe output", "err", err)
			return 1
		}
		return 0
	}

	if len(reports) == 0 {
		fmt.Println("No serviceable devices")
		return 0
	}
	fmt.Printf("Devices served by %s at %s:\n", opts.daemonURL, time.Now().UTC().Format(time.RFC3339))
	fmt.Println(strings.Repeat("-", 60))
	for _, rep := range reports {
		card := rep.Card
		if card == "" {
			card = "unknown"
		}
		fmt.Printf("- %s (UUID: %s, Model: %s, Card: %s)\n", rep.Name, rep.UUID, rep.InternalID, card)
		if rep.Hardware != nil {
			fmt.Printf("    temperature=%.1fC power=%.1fW\n", rep.Hardware.Temperature, rep.Hardware.Watt)
		}
		if rep.Memory != nil {
			fmt.Printf("    dram_used=%g dram_total=%g\n", rep.Memory.UsedMem, rep.Memory.TotalMem)
		}
		if rep.Utilization != nil {
			fmt.Printf("    utilization=%.1f%%\n", rep.Utilization.Utilization)
		}
		if rep.ErrStatus != nil {
			fmt.Printf("    err_status=%d\n", *rep.ErrStatus)
		}
		if rep.Version != nil {
			fmt.Printf("    driver=%s firmware=%s smc=%s\n", rep.Version.DriverVersion, rep.Version.FirmwareVersion, rep.Version.SMCVersion)
		}
		for _, msg := range rep.Errors {
			fmt.Printf("    error: %s\n", msg)
		}
	}
	return 0
}

func sampleDevice(ctx context.Context, client *daemon.Client, rep *deviceReport) {
	if hw, err := client.GetHardwareInfo(ctx, rep.Device); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("hw info: %v", err))
	} else {
		rep.Hardware = &hw
	}
	if mem, err := client.GetMemoryInfo(ctx, rep.Device); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("memory info: %v", err))
	} else {
		rep.Memory = &mem
	}
	if util, err := client.GetUtilization(ctx, rep.Device); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("utilization: %v", err))
	} else {
		rep.Utilization = &util
	}
	if version, err := client.GetVersion(ctx, rep.Device); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("version: %v", err))
	} else {
		rep.Version = &version
	}
}

// deviceStatuses returns the daemon error status by device UUID, or nil
// when the daemon does not provide it.
func deviceStatuses(ctx context.Context, client *daemon.Client, logger *slog.Logger) map[string]int64 {
	infos, err := client.GetTotalInfo(ctx)
	if err != nil {
		logger.Warn("failed to get device health", "err", err)
		return nil
	}
	statuses := make(map[string]int64, len(infos))
	for _, info := range infos {
		statuses[info.UUID] = info.ErrStatus
	}
	return statuses
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
