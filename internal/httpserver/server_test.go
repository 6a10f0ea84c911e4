package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"

	"github.com/rebellions-sw/rbln-metrics-exporter/internal/collector"
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/config"
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/report"
	"github.com/rebellions-sw/rbln-metrics-exporter/internal/version"
)

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestHTTPServer(t, defaultTestConfig(), nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", string(body))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestHTTPServer(t, defaultTestConfig(), nil)

	for _, path := range []string{"/healthz", "/readyz", "/version", "/api/report"} {
		resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("POST %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405 for POST %s, got %d", path, resp.StatusCode)
		}
		if resp.Header.Get("Allow") != http.MethodGet {
			t.Fatalf("expected Allow header for %s, got %q", path, resp.Header.Get("Allow"))
		}
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestHTTPServer(t, defaultTestConfig(), nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected generated request id")
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Request-Id", "scrape-42")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "scrape-42" {
		t.Fatalf("expected propagated request id, got %q", got)
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	_, ts, hub := newTestHTTPServer(t, defaultTestConfig(), nil)

	assertReadyz(t, ts.URL+"/readyz", http.StatusServiceUnavailable, "initializing", "waiting_for_first_cycle")

	hub.Publish(testCycle("c-1"))

	assertReadyz(t, ts.URL+"/readyz", http.StatusOK, "ok", "")
}

func TestVersionEndpoint(t *testing.T) {
	version.Set(version.Info{Version: "v0.0.1", Commit: "abc123", BuildTime: "now"})
	t.Cleanup(func() { version.Set(version.Info{}) })

	_, ts, _ := newTestHTTPServer(t, defaultTestConfig(), nil)

	resp, err := http.Get(ts.URL + "/version")
	if err != nil {
		t.Fatalf("GET /version failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var info version.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if info.Version != "v0.0.1" || info.Commit != "abc123" || info.BuildTime != "now" {
		t.Fatalf("unexpected version payload %+v", info)
	}
}

func TestReportEndpoint(t *testing.T) {
	t.Parallel()

	_, ts, hub := newTestHTTPServer(t, defaultTestConfig(), nil)

	resp, err := http.Get(ts.URL + "/api/report")
	if err != nil {
		t.Fatalf("GET /api/report failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the first cycle, got %d", resp.StatusCode)
	}

	hub.Publish(testCycle("c-2"))

	resp, err = http.Get(ts.URL + "/api/report")
	if err != nil {
		t.Fatalf("GET /api/report failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var cycle report.Cycle
	if err := json.NewDecoder(resp.Body).Decode(&cycle); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if cycle.ID != "c-2" || len(cycle.Devices) != 1 || cycle.Devices[0].Card != "RBLN-CA02" {
		t.Fatalf("unexpected report payload %+v", cycle)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	sink, err := collector.NewPrometheusSink(registry)
	if err != nil {
		t.Fatalf("NewPrometheusSink error: %v", err)
	}
	err = sink.Set(collector.Identity{
		Name: collector.Temperature.MetricName(),
		Labels: prometheus.Labels{
			collector.LabelCard:   "RBLN-CA02",
			collector.LabelUUID:   "uuid-0",
			collector.LabelDevice: "rbln0",
		},
	}, 41.5)
	if err != nil {
		t.Fatalf("Set error: %v", err)
	}

	_, ts, _ := newTestHTTPServer(t, defaultTestConfig(), registry)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)

	for _, want := range []string{
		`RBLN_DEVICE_STATUS:TEMPERATURE{card="RBLN-CA02",device="rbln0",uuid="uuid-0"} 41.5`,
		"rbln_metrics_exporter_build_info{",
		"rbln_metrics_exporter_ws_active_connections 0",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in /metrics output", want)
		}
	}
}

func TestPprofDisabledByDefault(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestHTTPServer(t, defaultTestConfig(), nil)

	resp, err := http.Get(ts.URL + "/debug/pprof/")
	if err != nil {
		t.Fatalf("GET /debug/pprof/ failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 with pprof disabled, got %d", resp.StatusCode)
	}

	cfg := defaultTestConfig()
	cfg.EnablePprof = true
	_, tsPprof, _ := newTestHTTPServer(t, cfg, nil)

	resp, err = http.Get(tsPprof.URL + "/debug/pprof/")
	if err != nil {
		t.Fatalf("GET /debug/pprof/ failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with pprof enabled, got %d", resp.StatusCode)
	}
}

func TestWebSocketHelloCycleAndPong(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	_, ts, hub := newTestHTTPServer(t, cfg, nil)

	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readJSON(t, cctx, conn)
	if hello["type"] != "hello" {
		t.Fatalf("expected hello message, got %q", hello["type"])
	}
	if hello["interval_ms"] != float64(5000) {
		t.Fatalf("unexpected interval_ms %v", hello["interval_ms"])
	}
	if hello["daemon"] != cfg.DaemonURL {
		t.Fatalf("unexpected daemon %v", hello["daemon"])
	}
	if _, ok := hello["latest"]; ok {
		t.Fatalf("expected no latest cycle before the first publish")
	}

	waitFor(t, 2*time.Second, func() bool { return hub.Subscribers() == 1 })
	hub.Publish(testCycle("c-3"))

	cycle := readJSON(t, cctx, conn)
	if cycle["type"] != "cycle" {
		t.Fatalf("expected cycle message, got %q", cycle["type"])
	}
	if cycle["id"] != "c-3" {
		t.Fatalf("unexpected cycle id %v", cycle["id"])
	}

	if err := conn.Write(cctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := readJSON(t, cctx, conn)
	if pong["type"] != "pong" {
		t.Fatalf("expected pong message, got %q", pong["type"])
	}

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, 2*time.Second, func() bool { return hub.Subscribers() == 0 })
}

func TestWebSocketClosedOnShutdown(t *testing.T) {
	t.Parallel()

	srv, ts, _ := newTestHTTPServer(t, defaultTestConfig(), nil)

	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if hello := readJSON(t, cctx, conn); hello["type"] != "hello" {
		t.Fatalf("expected hello message, got %q", hello["type"])
	}

	if err := srv.Shutdown(cctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	_, _, err = conn.Read(cctx)
	var closeErr websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close frame, got %v", err)
	}
	if closeErr.Code != websocket.StatusGoingAway {
		t.Fatalf("expected going away close, got %v", closeErr.Code)
	}
	if closeErr.Reason != "server shutting down" {
		t.Fatalf("unexpected close reason %q", closeErr.Reason)
	}
}

func TestWebSocketCapacity(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.WS.MaxClients = 1
	_, ts, hub := newTestHTTPServer(t, cfg, nil)

	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	first, _, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer first.Close(websocket.StatusNormalClosure, "")
	waitFor(t, 2*time.Second, func() bool { return hub.Subscribers() == 1 })

	_, resp, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err == nil {
		t.Fatalf("expected second websocket to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for second websocket, got %+v", resp)
	}
}

func TestListenReportsBindFailure(t *testing.T) {
	t.Parallel()

	occupied, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()

	cfg := defaultTestConfig()
	cfg.Port = occupied.Addr().(*net.TCPAddr).Port

	srv := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), prometheus.NewRegistry(), report.NewHub())
	err = srv.Listen()
	if err == nil {
		t.Fatalf("expected bind failure on port %d", cfg.Port)
	}
	if !strings.HasPrefix(err.Error(), "listen:") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestListenServeShutdown(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.Port = 0
	srv := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), prometheus.NewRegistry(), report.NewHub())

	if err := srv.Serve(); err == nil {
		t.Fatalf("expected Serve to fail before Listen")
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen error: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	port := srv.Addr().(*net.TCPAddr).Port
	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after shutdown")
	}
}

func newTestHTTPServer(t *testing.T, cfg config.Config, registry *prometheus.Registry) (*Server, *httptest.Server, *report.Hub) {
	t.Helper()

	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	hub := report.NewHub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, logger, registry, hub)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return srv, ts, hub
}

func assertReadyz(t *testing.T, url string, expectedStatus int, expected string, reason string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		t.Fatalf("expected status %d for %s, got %d", expectedStatus, url, resp.StatusCode)
	}

	var payload readyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode readyz response: %v", err)
	}

	if payload.Status != expected {
		t.Fatalf("expected status %q, got %q", expected, payload.Status)
	}
	if reason == "" {
		if payload.Reason != "" {
			t.Fatalf("expected empty reason, got %q", payload.Reason)
		}
	} else if payload.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, payload.Reason)
	}
}

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()

	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("unexpected message type %v", msgType)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func testCycle(id string) report.Cycle {
	return report.Cycle{
		ID:        id,
		Started:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Connected: true,
		Devices: []report.Device{
			{Name: "rbln0", UUID: "uuid-0", Model: "1021", Card: "RBLN-CA02"},
		},
		Writes: 5,
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func defaultTestConfig() config.Config {
	return config.Config{
		DaemonURL:    "127.0.0.1:50051",
		Port:         0,
		Interval:     5 * time.Second,
		CycleTimeout: 5 * time.Second,
		WS: config.WebsocketConfig{
			MaxClients:   64,
			WriteTimeout: 3 * time.Second,
		},
	}
}

func toWebsocketURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
