// Package daemon implements the gRPC client for the RBLN daemon.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "rblnservices.RBLNServices"

const (
	listDevicesMethod    = "/" + serviceName + "/GetServiceableDeviceList"
	hardwareInfoMethod   = "/" + serviceName + "/GetHWInfo"
	memoryInfoMethod     = "/" + serviceName + "/GetMemoryInfo"
	utilizationMethod    = "/" + serviceName + "/GetUtilization"
	versionMethod        = "/" + serviceName + "/GetVersion"
	totalInfoMethod      = "/" + serviceName + "/GetTotalInfo"
	listDevicesStreamTag = "GetServiceableDeviceList"
	totalInfoStreamTag   = "GetTotalInfo"
)

// Reconnect quickly enough that a restarted daemon is picked up within a
// few collection cycles.
var connectParams = grpc.ConnectParams{
	Backoff: backoff.Config{
		BaseDelay:  500 * time.Millisecond,
		Multiplier: 1.6,
		Jitter:     0.2,
		MaxDelay:   5 * time.Second,
	},
	MinConnectTimeout: 5 * time.Second,
}

var (
	listDevicesStream = grpc.StreamDesc{
		StreamName:    listDevicesStreamTag,
		ServerStreams: true,
	}
	totalInfoStream = grpc.StreamDesc{
		StreamName:    totalInfoStreamTag,
		ServerStreams: true,
	}
)

// ErrUnavailable is returned by Connect when the daemon cannot be reached.
var ErrUnavailable = errors.New("rbln-daemon unavailable")

// Client talks to the RBLN daemon over a single shared connection.
// It is safe for concurrent use.
type Client struct {
	target string
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// NewClient prepares a client for target. No connection is attempted
// until Connect or the first RPC.
func NewClient(target string, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
		grpc.WithConnectParams(connectParams),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create rbln-daemon client for %s: %w", target, err)
	}

	return &Client{
		target: target,
		conn:   conn,
		logger: logger.With("target", target),
	}, nil
}

// Target returns the daemon endpoint.
func (c *Client) Target() string {
	return c.target
}

// Connect waits until the connection is ready. An established connection
// is reused; a failed one is retried by the next call.
func (c *Client) Connect(ctx context.Context) error {
	for {
		state := c.conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			c.conn.Connect()
		case connectivity.TransientFailure:
			c.conn.Connect()
			return fmt.Errorf("connect to %s: %w", c.target, ErrUnavailable)
		case connectivity.Shutdown:
			return fmt.Errorf("connect to %s: client closed", c.target)
		}
		if !c.conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("connect to %s: %w", c.target, ctx.Err())
		}
		c.logger.Debug("daemon connection state changed", "from", state, "to", c.conn.GetState())
	}
}

// ListServiceableDevices drains the device stream. A broken or malformed
// stream fails the whole call.
func (c *Client) ListServiceableDevices(ctx context.Context) ([]Device, error) {
	devices, err := drainStream[Device](ctx, c.conn, &listDevicesStream, listDevicesMethod)
	if err != nil {
		return nil, fmt.Errorf("GetServiceableDeviceList: %w", err)
	}
	return devices, nil
}

// GetTotalInfo returns the error status of every device the daemon knows.
func (c *Client) GetTotalInfo(ctx context.Context) ([]DeviceStatus, error) {
	statuses, err := drainStream[DeviceStatus](ctx, c.conn, &totalInfoStream, totalInfoMethod)
	if err != nil {
		return nil, fmt.Errorf("GetTotalInfo: %w", err)
	}
	return statuses, nil
}

// drainStream sends an empty request on a server stream and collects every
// response until EOF.
func drainStream[T any, PT interface {
	*T
	message
}](ctx context.Context, conn *grpc.ClientConn, desc *grpc.StreamDesc, method string) ([]T, error) {
	stream, err := conn.NewStream(ctx, desc, method)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&empty{}); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close send: %w", err)
	}

	var out []T
	for {
		var item T
		if err := stream.RecvMsg(PT(&item)); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("receive: %w", err)
		}
		out = append(out, item)
	}
}

// GetHardwareInfo returns the temperature and power of device.
func (c *Client) GetHardwareInfo(ctx context.Context, device Device) (HardwareInfo, error) {
	var resp HardwareInfo
	if err := c.conn.Invoke(ctx, hardwareInfoMethod, &device, &resp); err != nil {
		return HardwareInfo{}, fmt.Errorf("GetHWInfo: %w", err)
	}
	return resp, nil
}

// GetMemoryInfo returns the DRAM capacity and usage of device.
func (c *Client) GetMemoryInfo(ctx context.Context, device Device) (MemoryInfo, error) {
	var resp MemoryInfo
	if err := c.conn.Invoke(ctx, memoryInfoMethod, &device, &resp); err != nil {
		return MemoryInfo{}, fmt.Errorf("GetMemoryInfo: %w", err)
	}
	return resp, nil
}

// GetUtilization returns the utilization of device.
func (c *Client) GetUtilization(ctx context.Context, device Device) (Utilization, error) {
	var resp Utilization
	if err := c.conn.Invoke(ctx, utilizationMethod, &device, &resp); err != nil {
		return Utilization{}, fmt.Errorf("GetUtilization: %w", err)
	}
	return resp, nil
}

// GetVersion returns the driver, firmware and SMC versions of device.
func (c *Client) GetVersion(ctx context.Context, device Device) (VersionInfo, error) {
	var resp VersionInfo
	if err := c.conn.Invoke(ctx, versionMethod, &device, &resp); err != nil {
		return VersionInfo{}, fmt.Errorf("GetVersion: %w", err)
	}
	return resp, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
