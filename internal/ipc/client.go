// Package ipc is the client side of the daemon's local control socket.
package ipc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"bearguard/internal/platform"
)

const (
	defaultDialTimeout = 5 * time.Second

	// ProtectionService mirrors the health service name registered by the daemon.
	ProtectionService = "bearguard.Protection"
)

// Client wraps a gRPC client connected to the daemon's control socket.
type Client struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// Dial connects to the daemon over transport.
func Dial(transport platform.IPCTransport) (*Client, error) {
	return DialWithTimeout(transport, defaultDialTimeout)
}

// DialWithTimeout connects to the daemon with a custom timeout. The
// connection is lazy; errors surface on the first call.
func DialWithTimeout(transport platform.IPCTransport, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(
		"passthrough:///bearguard",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return transport.Dial(timeout)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial control socket: %w", err)
	}

	return &Client{
		conn:   conn,
		Health: healthpb.NewHealthClient(conn),
	}, nil
}

// Protected reports whether the sinkhole interface is established.
func (c *Client) Protected(ctx context.Context) (bool, error) {
	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: ProtectionService})
	if err != nil {
		return false, fmt.Errorf("ipc: check: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close shuts down the gRPC client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
