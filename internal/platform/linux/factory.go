//go:build linux

package linux

import (
	"bearguard/internal/core"
	"bearguard/internal/platform"
)

// DefaultSocketPath is the control socket used when none is configured.
const DefaultSocketPath = "/run/bearguard/control.sock"

// NewPlatform creates the Linux implementations. A network monitor that
// cannot subscribe to rtnetlink falls back to a static WiFi observer.
func NewPlatform(cfg core.Config) (*platform.Platform, error) {
	accounts := Accounts{}

	socket := cfg.Control.Socket
	if socket == "" {
		socket = DefaultSocketPath
	}

	p := &platform.Platform{
		Tunnels:  NewTunnelFactory(cfg.Tunnel.Table, accounts),
		Owners:   SocketOwners{},
		Packages: accounts,
		Watcher:  NewAccountWatcher(""),
		Screen:   platform.NewAlwaysOnScreen(),
		IPC:      platform.NewUnixSocket(socket),
		Notifier: platform.LogNotifier{},
	}

	nm, err := NewNetworkMonitor()
	if err != nil {
		core.Log.Warnf("Network", "%v; assuming Wi-Fi", err)
		p.Network = platform.NewStaticNetwork(core.NetworkWiFi)
		return p, nil
	}
	p.Network = nm
	p.Close = nm.Close
	return p, nil
}
