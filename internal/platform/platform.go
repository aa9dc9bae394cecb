package platform

import (
	"context"

	"bearguard/internal/core"
)

// Platform aggregates all platform-specific implementations.
// Populated by the platform factory (NewPlatform) in platform/linux/.
type Platform struct {
	Tunnels  TunnelFactory
	Owners   OwnershipLookup
	Packages PackageRegistry
	Watcher  PackageWatcher
	Network  NetworkObserver
	Screen   ScreenObserver
	IPC      IPCTransport
	Notifier Notifier

	// Close stops background monitors started by the factory.
	Close func() error
}

// Shutdown runs Close if set.
func (p *Platform) Shutdown() error {
	if p == nil || p.Close == nil {
		return nil
	}
	return p.Close()
}

// StaticNetwork is a NetworkObserver whose value is set by the caller.
// Used where the host cannot observe the network and by tests.
type StaticNetwork struct {
	*core.Watchable[core.NetworkType]
}

// NewStaticNetwork returns an observer reporting n until Set is called.
func NewStaticNetwork(n core.NetworkType) *StaticNetwork {
	return &StaticNetwork{Watchable: core.NewWatchable(n)}
}

// AlwaysOnScreen reports a screen that never turns off (servers, desktops).
type AlwaysOnScreen struct {
	*core.Watchable[bool]
}

// NewAlwaysOnScreen returns a ScreenObserver stuck at "on".
func NewAlwaysOnScreen() *AlwaysOnScreen {
	return &AlwaysOnScreen{Watchable: core.NewWatchable(true)}
}

// NoPackageEvents is a PackageWatcher that never fires.
type NoPackageEvents struct{}

func (NoPackageEvents) Watch(ctx context.Context) (<-chan PackageEvent, error) {
	ch := make(chan PackageEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// LogNotifier writes notifications to the log.
type LogNotifier struct{}

func (LogNotifier) Show(title, message string) error {
	core.Log.Infof("Notify", "%s: %s", title, message)
	return nil
}
