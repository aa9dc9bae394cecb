package platform

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"bearguard/internal/core"
	"bearguard/internal/packet"
)

// ErrUnsupported is returned by adapters that cannot answer a query on this
// host (e.g. kernels without socket diagnostics).
var ErrUnsupported = errors.New("not supported on this platform")

// OwnershipLookup finds the account owning a live socket.
type OwnershipLookup interface {
	// OwnerUID returns the uid holding the socket with the given tuple.
	OwnerUID(proto packet.Protocol, localAddr string, localPort uint16, remoteAddr string, remotePort uint16) (int, error)
}

// PackageRegistry maps accounts to installed application identities.
type PackageRegistry interface {
	// PackagesForUID lists the identities sharing uid. Empty when none.
	PackagesForUID(uid int) ([]string, error)
	// UIDForPackage returns the uid an identity runs as.
	UIDForPackage(identity string) (int, error)
	// DisplayName returns a human-readable label for identity.
	DisplayName(identity string) (string, error)
}

// PackageEvent is an install or uninstall notification.
type PackageEvent struct {
	Kind      core.PackageKind
	Identity  string
	Replacing bool
}

// PackageWatcher delivers install/uninstall notifications until ctx is done.
type PackageWatcher interface {
	Watch(ctx context.Context) (<-chan PackageEvent, error)
}

// TunnelConfig describes the interface to establish.
type TunnelConfig struct {
	Session string
	Name    string
	MTU     int
	Address netip.Prefix
	Routes  []netip.Prefix
	DNS     []netip.Addr
}

// TunnelFactory creates tunnel builders (VpnService.Builder on mobile,
// a TUN device plus policy routing on linux).
type TunnelFactory interface {
	NewTunnel(cfg TunnelConfig) (TunnelBuilder, error)
}

// TunnelBuilder collects the applications routed through the tunnel and
// then establishes it. Applications never added bypass the tunnel.
type TunnelBuilder interface {
	// AllowApplication routes identity through the tunnel. A failure only
	// affects that application.
	AllowApplication(identity string) error
	// Establish brings the interface up. A nil handle without error is a failure.
	Establish(ctx context.Context) (TunnelHandle, error)
	// Abort releases anything acquired before Establish.
	Abort() error
}

// TunnelHandle is an established interface. It is owned by one controller.
type TunnelHandle interface {
	Name() string
	// ReadPacket reads one IP packet into buf and returns the number of bytes read.
	ReadPacket(buf []byte) (int, error)
	// Close tears the interface down. Pending reads return an error.
	Close() error
}

// NetworkObserver reports the active network type.
type NetworkObserver interface {
	core.Observable[core.NetworkType]
}

// ScreenObserver reports whether the display is on.
type ScreenObserver interface {
	core.Observable[bool]
}

// IPCTransport abstracts the local control socket transport.
type IPCTransport interface {
	// Listener creates a server-side listener.
	Listener() (net.Listener, error)
	// Dial connects to the IPC endpoint with the given timeout.
	Dial(timeout time.Duration) (net.Conn, error)
}

// Notifier sends system notifications.
type Notifier interface {
	// Show displays a system notification.
	Show(title, message string) error
}
