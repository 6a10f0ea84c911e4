package api

import (
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/report"
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/version"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string        `json:"type"`
	IntervalMS int           `json:"interval_ms"`
	Daemon     string        `json:"daemon"`
	Version    version.Info  `json:"version"`
	Latest     *report.Cycle `json:"latest,omitempty"`
}

// NewHelloMessage constructs a hello payload. latest is nil before the
// first cycle completes.
func NewHelloMessage(intervalMS int, daemon string, latest *report.Cycle) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		Daemon:     daemon,
		Version:    version.Current(),
		Latest:     latest,
	}
}

// CycleMessage wraps a cycle report for transport.
type CycleMessage struct {
	Type string `json:"type"`
	report.Cycle
}

// NewCycleMessage constructs a cycle payload.
func NewCycleMessage(cycle report.Cycle) CycleMessage {
	return CycleMessage{
		Type:  "cycle",
		Cycle: cycle,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
