package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	MinIntervalSeconds = 1
	MaxIntervalSeconds = 60

	envPrefix = "RBLN_METRICS_EXPORTER_"
)

// Config represents runtime configuration sourced from environment variables
// and command-line flags. Flags take precedence.
type Config struct {
	DaemonURL     string
	Port          int
	Interval      time.Duration
	CycleTimeout  time.Duration
	Oneshot       bool
	LogLevel      slog.Level
	EnablePprof   bool
	PCIDBFallback bool
	// DeviceInventory adds the health and version info gauges.
	DeviceInventory bool
	WS              WebsocketConfig
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
}

// ListenAddr returns the metrics listener address.
func (c Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Load reads the environment, then applies args as flag overrides.
// It returns pflag.ErrHelp when help was requested.
func Load(args []string) (Config, error) {
	cfg := Config{
		DaemonURL: "127.0.0.1:50051",
		Port:      9090,
		Interval:  5 * time.Second,
		LogLevel:  slog.LevelInfo,
		WS: WebsocketConfig{
			MaxClients:   64,
			WriteTimeout: 3 * time.Second,
		},
	}
	intervalSec := 5
	logLevel := "info"

	if value := getenv("RBLN_DAEMON_URL"); value != "" {
		cfg.DaemonURL = value
	}

	if value := getenv("PORT"); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %sPORT: %w", envPrefix, err)
		}
		cfg.Port = port
	}

	if value := getenv("INTERVAL"); value != "" {
		seconds, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %sINTERVAL: %w", envPrefix, err)
		}
		intervalSec = seconds
	}

	if value := getenv("CYCLE_TIMEOUT"); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %sCYCLE_TIMEOUT: %w", envPrefix, err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("%sCYCLE_TIMEOUT must be > 0", envPrefix)
		}
		cfg.CycleTimeout = timeout
	}

	var err error
	if cfg.Oneshot, err = boolEnv("ONESHOT", cfg.Oneshot); err != nil {
		return Config{}, err
	}
	if cfg.EnablePprof, err = boolEnv("ENABLE_PPROF", cfg.EnablePprof); err != nil {
		return Config{}, err
	}
	if cfg.PCIDBFallback, err = boolEnv("PCIDB_FALLBACK", cfg.PCIDBFallback); err != nil {
		return Config{}, err
	}

	if cfg.DeviceInventory, err = boolEnv("DEVICE_INVENTORY", cfg.DeviceInventory); err != nil {
		return Config{}, err
	}

	if value := getenv("LOG_LEVEL"); value != "" {
		logLevel = value
	}

	if value := getenv("WS_MAX_CLIENTS"); value != "" {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %sWS_MAX_CLIENTS: %w", envPrefix, err)
		}
		if maxClients <= 0 {
			return Config{}, fmt.Errorf("%sWS_MAX_CLIENTS must be > 0", envPrefix)
		}
		cfg.WS.MaxClients = maxClients
	}

	if value := getenv("WS_WRITE_TIMEOUT"); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %sWS_WRITE_TIMEOUT: %w", envPrefix, err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("%sWS_WRITE_TIMEOUT must be > 0", envPrefix)
		}
		cfg.WS.WriteTimeout = timeout
	}

	fs := pflag.NewFlagSet("rbln-metrics-exporter", pflag.ContinueOnError)
	fs.StringVar(&cfg.DaemonURL, "rbln-daemon-url", cfg.DaemonURL, "Endpoint of the RBLN daemon gRPC server")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port to serve metrics on")
	fs.IntVar(&intervalSec, "interval", intervalSec, fmt.Sprintf("Collection interval in seconds (%d-%d)", MinIntervalSeconds, MaxIntervalSeconds))
	fs.DurationVar(&cfg.CycleTimeout, "cycle-timeout", cfg.CycleTimeout, "Deadline for one collection cycle (defaults to the interval)")
	fs.BoolVar(&cfg.Oneshot, "oneshot", cfg.Oneshot, "Collect once and exit")
	fs.StringVar(&logLevel, "log-level", logLevel, "Log level: debug, info, warn, error")
	fs.BoolVar(&cfg.EnablePprof, "enable-pprof", cfg.EnablePprof, "Serve /debug/pprof")
	fs.BoolVar(&cfg.PCIDBFallback, "pcidb-fallback", cfg.PCIDBFallback, "Resolve unknown card models from the local pci.ids database")
	fs.BoolVar(&cfg.DeviceInventory, "device-inventory", cfg.DeviceInventory, "Export device health and driver/firmware versions")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return Config{}, fmt.Errorf("parse log level: %w", err)
	}
	cfg.LogLevel = level

	if intervalSec < MinIntervalSeconds || intervalSec > MaxIntervalSeconds {
		return Config{}, fmt.Errorf("interval must be %d-%d seconds", MinIntervalSeconds, MaxIntervalSeconds)
	}
	cfg.Interval = time.Duration(intervalSec) * time.Second

	if cfg.CycleTimeout == 0 {
		cfg.CycleTimeout = cfg.Interval
	}
	if cfg.CycleTimeout < 0 || cfg.CycleTimeout > cfg.Interval {
		return Config{}, fmt.Errorf("cycle timeout must be > 0 and <= interval (%s)", cfg.Interval)
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("port must be 1-65535")
	}

	cfg.DaemonURL = DaemonTarget(cfg.DaemonURL)
	if cfg.DaemonURL == "" {
		return Config{}, fmt.Errorf("rbln daemon url must not be empty")
	}

	return cfg, nil
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func boolEnv(key string, def bool) (bool, error) {
	value := getenv(key)
	if value == "" {
		return def, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
	}
	return enabled, nil
}

// DaemonTarget turns a configured daemon URL into a gRPC target. http(s)://
// URLs are accepted for older deployments; gRPC targets take a bare
// host:port.
func DaemonTarget(addr string) string {
	addr = strings.TrimSpace(addr)
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(addr, scheme) {
			return strings.TrimPrefix(addr, scheme)
		}
	}
	return addr
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
