// Package service wires the firewall components into a running daemon: the
// tunnel controller, the traffic ledger, the package monitor and the local
// control socket.
package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"bearguard/internal/core"
	"bearguard/internal/metrics"
	"bearguard/internal/platform"
	"bearguard/internal/process"
)

const statusInterval = time.Minute

// Service is the central orchestrator of the daemon.
type Service struct {
	cfg      *core.ConfigManager
	bus      *core.EventBus
	plat     *platform.Platform
	rules    *core.RuleStore
	resolver *process.Resolver
	ledger   *TrafficLedger
	ctrl     *TunnelController
	monitor  *PackageMonitor
	control  *ControlServer
	version  string
}

// Config holds parameters for creating a new Service.
type Config struct {
	ConfigManager *core.ConfigManager
	EventBus      *core.EventBus
	Platform      *platform.Platform
	Store         core.KVStore
	Version       string
}

// New creates the components from the loaded configuration. Nothing runs
// until Run.
func New(c Config) (*Service, error) {
	cfg := c.ConfigManager.Get()

	tunnel, err := TunnelConfigFrom(cfg.Tunnel)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     c.ConfigManager,
		bus:     c.EventBus,
		plat:    c.Platform,
		rules:   core.NewRuleStore(c.Store, cfg.Storage.Key, c.EventBus),
		ledger:  NewTrafficLedger(cfg.Ledger.Capacity),
		version: c.Version,
	}
	s.resolver = process.NewResolver(c.Platform.Owners, c.Platform.Packages)

	var sink PacketSink
	if cfg.Ledger.PacketAccounting {
		sink = NewPacketAccounting(s.resolver, s.ledger)
	}

	s.ctrl = NewTunnelController(ControllerConfig{
		Tunnel:       tunnel,
		SelfIdentity: cfg.Policy.SelfIdentity,
		Debounce:     cfg.Controller.DebounceInterval(),
		SettleDelay:  cfg.Controller.SettleInterval(),
	}, ControllerDeps{
		Rules:    s.rules,
		Network:  c.Platform.Network,
		Screen:   c.Platform.Screen,
		Tunnels:  c.Platform.Tunnels,
		Notifier: c.Platform.Notifier,
		Bus:      c.EventBus,
		Sink:     sink,
	})

	s.monitor = NewPackageMonitor(PackageMonitorDeps{
		Rules:    s.rules,
		Cache:    s.resolver,
		Packages: c.Platform.Packages,
		Notifier: c.Platform.Notifier,
		Bus:      c.EventBus,
		Policy:   func() core.PolicySettings { return c.ConfigManager.Get().Policy },
	})

	if cfg.Control.Socket != "" && c.Platform.IPC != nil {
		s.control = NewControlServer(c.Platform.IPC, c.EventBus, s.ctrl.State())
	}

	c.EventBus.Subscribe(core.EventConfigReloaded, func(core.Event) {
		core.Log.Infof("Core", "Config reloaded; tunnel and storage changes apply on restart")
	})
	return s, nil
}

// Controller returns the tunnel controller.
func (s *Service) Controller() *TunnelController { return s.ctrl }

// Ledger returns the traffic ledger.
func (s *Service) Ledger() *TrafficLedger { return s.ledger }

// Rules returns the rule store.
func (s *Service) Rules() *core.RuleStore { return s.rules }

// Status summarizes the current state.
func (s *Service) Status() Status {
	st := Status{
		State:        s.ctrl.State().String(),
		BlockedApps:  s.ctrl.Blocked(),
		Connections:  s.ledger.Len(),
		CachedOwners: s.resolver.CacheSize(),
	}
	if s.plat.Network != nil {
		st.Network = s.plat.Network.Get().String()
	}
	return st
}

// Run starts protection and the background workers, and blocks until ctx
// is cancelled. A failed first establishment is reported but does not end
// the daemon.
func (s *Service) Run(ctx context.Context) error {
	cfg := s.cfg.Get()
	core.Log.Infof("Core", "BearGuard %s: %d rules loaded", s.version, len(s.rules.Reload(ctx)))

	g, gctx := errgroup.WithContext(ctx)

	if s.plat.Watcher != nil {
		g.Go(func() error { return s.monitor.Run(gctx, s.plat.Watcher) })
	}
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			core.Log.Infof("Metrics", "Serving on %s/metrics", cfg.Metrics.Listen)
			return metrics.Serve(gctx, cfg.Metrics.Listen)
		})
	}
	if s.control != nil {
		g.Go(func() error { return s.control.Serve(gctx) })
	}
	g.Go(func() error {
		s.statusLoop(gctx)
		return nil
	})

	if err := s.ctrl.Start(gctx); err != nil {
		core.Log.Errorf("Core", "Protection not started: %v", err)
	}

	<-gctx.Done()
	s.ctrl.Stop()
	err := g.Wait()
	core.Log.Infof("Core", "Shutdown complete (%s)", s.Status())
	return err
}

func (s *Service) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			core.Log.Debugf("Core", "Status: %s", s.Status())
		}
	}
}
