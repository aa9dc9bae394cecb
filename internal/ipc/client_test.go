package ipc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type bufTransport struct {
	lis *bufconn.Listener
}

func (b *bufTransport) Listener() (net.Listener, error)      { return b.lis, nil }
func (b *bufTransport) Dial(time.Duration) (net.Conn, error) { return b.lis.Dial() }

func TestProtected(t *testing.T) {
	tr := &bufTransport{lis: bufconn.Listen(1 << 16)}
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(tr.lis)
	defer srv.Stop()

	c, err := Dial(tr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hs.SetServingStatus(ProtectionService, healthpb.HealthCheckResponse_NOT_SERVING)
	on, err := c.Protected(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	hs.SetServingStatus(ProtectionService, healthpb.HealthCheckResponse_SERVING)
	on, err = c.Protected(ctx)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestProtectedUnknownService(t *testing.T) {
	tr := &bufTransport{lis: bufconn.Listen(1 << 16)}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(tr.lis)
	defer srv.Stop()

	c, err := Dial(tr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Protected(ctx)
	assert.Error(t, err)
}
