package service

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"bearguard/internal/core"
)

type bufTransport struct {
	lis *bufconn.Listener
}

func (b *bufTransport) Listener() (net.Listener, error) { return b.lis, nil }

func (b *bufTransport) Dial(time.Duration) (net.Conn, error) { return b.lis.Dial() }

func startControl(t *testing.T, bus *core.EventBus, initial State) healthpb.HealthClient {
	t.Helper()
	tr := &bufTransport{lis: bufconn.Listen(1 << 16)}
	cs := NewControlServer(tr, bus, initial)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- cs.Serve(ctx) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return tr.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("control server did not stop")
		}
	})
	return healthpb.NewHealthClient(conn)
}

func checkStatus(t *testing.T, c healthpb.HealthClient) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: ProtectionService})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestControlReportsInitialState(t *testing.T) {
	c := startControl(t, core.NewEventBus(), StateStopped)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, c))
}

func TestControlFollowsProtectionState(t *testing.T) {
	bus := core.NewEventBus()
	c := startControl(t, bus, StateStopped)

	publish := func(s State) {
		bus.Publish(core.Event{
			Type:    core.EventProtectionStateChanged,
			Payload: core.ProtectionStatePayload{NewState: s.String()},
		})
	}

	publish(StateRunning)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, c))

	publish(StateRestartPending)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, c))

	publish(StateStopping)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, c))
}

func TestControlWithController(t *testing.T) {
	fx := newControllerFixture(t, 20*time.Millisecond, 0)
	c := startControl(t, fx.bus, fx.ctl.State())

	require.NoError(t, fx.ctl.Start(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, c))

	fx.ctl.Stop()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, c))
}
