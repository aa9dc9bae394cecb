package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"bearguard/internal/core"
	"bearguard/internal/platform"
)

// watchRules adapts a Watchable to RuleSource.
type watchRules struct {
	*core.Watchable[[]core.Rule]
}

func newWatchRules(rules ...core.Rule) *watchRules {
	return &watchRules{core.NewWatchable(rules)}
}

func (w *watchRules) Observe(context.Context) *core.Subscription[[]core.Rule] {
	return w.Subscribe()
}

// fakeHandle blocks reads until closed; packets sent on in are returned first.
type fakeHandle struct {
	name   string
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeHandle(name string) *fakeHandle {
	return &fakeHandle{name: name, in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (h *fakeHandle) Name() string { return h.name }

func (h *fakeHandle) ReadPacket(buf []byte) (int, error) {
	select {
	case pkt := <-h.in:
		return copy(buf, pkt), nil
	case <-h.closed:
		return 0, errors.New("closed")
	}
}

func (h *fakeHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *fakeHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

type establishment struct {
	cfg     platform.TunnelConfig
	allowed []string
	handle  *fakeHandle
	at      time.Time
}

// fakeTunnels records every establishment.
type fakeTunnels struct {
	mu          sync.Mutex
	established []establishment
	failAllow   map[string]bool
	establishFn func() (platform.TunnelHandle, error)
	aborts      int
}

func (f *fakeTunnels) NewTunnel(cfg platform.TunnelConfig) (platform.TunnelBuilder, error) {
	return &fakeBuilder{f: f, cfg: cfg}, nil
}

func (f *fakeTunnels) setEstablish(fn func() (platform.TunnelHandle, error)) {
	f.mu.Lock()
	f.establishFn = fn
	f.mu.Unlock()
}

func (f *fakeTunnels) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.established)
}

func (f *fakeTunnels) last() establishment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.established[len(f.established)-1]
}

func (f *fakeTunnels) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

type fakeBuilder struct {
	f       *fakeTunnels
	cfg     platform.TunnelConfig
	allowed []string
}

func (b *fakeBuilder) AllowApplication(id string) error {
	b.f.mu.Lock()
	fail := b.f.failAllow[id]
	b.f.mu.Unlock()
	if fail {
		return fmt.Errorf("unknown package %s", id)
	}
	b.allowed = append(b.allowed, id)
	return nil
}

func (b *fakeBuilder) Establish(context.Context) (platform.TunnelHandle, error) {
	b.f.mu.Lock()
	fn := b.f.establishFn
	b.f.mu.Unlock()
	if fn != nil {
		return fn()
	}

	h := newFakeHandle(b.cfg.Session)
	b.f.mu.Lock()
	b.f.established = append(b.f.established, establishment{
		cfg: b.cfg, allowed: slices.Clone(b.allowed), handle: h, at: time.Now(),
	})
	b.f.mu.Unlock()
	return h, nil
}

func (b *fakeBuilder) Abort() error {
	b.f.mu.Lock()
	b.f.aborts++
	b.f.mu.Unlock()
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	shown []string
}

func (n *fakeNotifier) Show(title, message string) error {
	n.mu.Lock()
	n.shown = append(n.shown, title+"|"+message)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.shown)
}

const testSelf = "com.bearguard.firewall"

type controllerFixture struct {
	rules    *watchRules
	network  *platform.StaticNetwork
	screen   *platform.AlwaysOnScreen
	tunnels  *fakeTunnels
	notifier *fakeNotifier
	bus      *core.EventBus
	ctl      *TunnelController
}

func newControllerFixture(t *testing.T, debounce, settle time.Duration, rules ...core.Rule) *controllerFixture {
	t.Helper()
	fx := &controllerFixture{
		rules:    newWatchRules(rules...),
		network:  platform.NewStaticNetwork(core.NetworkWiFi),
		screen:   platform.NewAlwaysOnScreen(),
		tunnels:  &fakeTunnels{failAllow: map[string]bool{}},
		notifier: &fakeNotifier{},
		bus:      core.NewEventBus(),
	}
	fx.ctl = NewTunnelController(ControllerConfig{
		Tunnel:       platform.TunnelConfig{Session: "BearGuard", MTU: 1500},
		SelfIdentity: testSelf,
		Debounce:     debounce,
		SettleDelay:  settle,
	}, ControllerDeps{
		Rules:    fx.rules,
		Network:  fx.network,
		Screen:   fx.screen,
		Tunnels:  fx.tunnels,
		Notifier: fx.notifier,
		Bus:      fx.bus,
	})
	t.Cleanup(fx.ctl.Stop)
	return fx
}

func blockedRule(id string) core.Rule {
	return core.Rule{Identity: id, IsAllowed: false, AllowWhenScreenOff: true}
}
