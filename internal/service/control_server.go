package service

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"bearguard/internal/core"
	"bearguard/internal/ipc"
	"bearguard/internal/platform"
)

// ProtectionService is the health service name reporting tunnel state.
const ProtectionService = ipc.ProtectionService

// ControlServer exposes protection status on the local control socket
// through the standard gRPC health protocol.
type ControlServer struct {
	transport platform.IPCTransport
	health    *health.Server
	srv       *grpc.Server
}

// NewControlServer creates a server whose status follows protection state
// events on bus. initial is the controller state at construction.
func NewControlServer(transport platform.IPCTransport, bus *core.EventBus, initial State) *ControlServer {
	cs := &ControlServer{
		transport: transport,
		health:    health.NewServer(),
		srv:       grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(cs.srv, cs.health)
	cs.setActive(initial.Active())

	if bus != nil {
		bus.Subscribe(core.EventProtectionStateChanged, func(e core.Event) {
			p, ok := e.Payload.(core.ProtectionStatePayload)
			if !ok {
				return
			}
			active := p.NewState == StateRunning.String() || p.NewState == StateRestartPending.String()
			cs.setActive(active)
		})
	}
	return cs
}

func (cs *ControlServer) setActive(active bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if active {
		status = healthpb.HealthCheckResponse_SERVING
	}
	cs.health.SetServingStatus(ProtectionService, status)
}

// Serve accepts connections until ctx is cancelled.
func (cs *ControlServer) Serve(ctx context.Context) error {
	lis, err := cs.transport.Listener()
	if err != nil {
		return fmt.Errorf("[Control] listen: %w", err)
	}
	core.Log.Infof("Control", "Listening on %s", lis.Addr())

	go func() {
		<-ctx.Done()
		cs.health.Shutdown()
		cs.srv.GracefulStop()
	}()

	if err := cs.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("[Control] serve: %w", err)
	}
	return nil
}
