package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"bearguard/internal/core"
	"bearguard/internal/metrics"
	"bearguard/internal/platform"
)

var (
	// ErrEstablish wraps every failure to bring the tunnel interface up.
	ErrEstablish = errors.New("tunnel establishment failed")
	// ErrNullInterface is returned when the OS accepted the request but
	// produced no interface (e.g. VPN permission revoked).
	ErrNullInterface = errors.New("tunnel establishment returned no interface")
)

const packetBufferSize = 32 * 1024

// State is the lifecycle state of the protection tunnel.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateRestartPending
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateRestartPending:
		return "RESTART_PENDING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether an interface is (or is about to stay) established.
func (s State) Active() bool {
	return s == StateRunning || s == StateRestartPending
}

// RuleSource streams the full rule list. *core.RuleStore implements it.
type RuleSource interface {
	Observe(ctx context.Context) *core.Subscription[[]core.Rule]
}

// PacketSink consumes packets read from the tunnel interface.
type PacketSink interface {
	HandlePacket(pkt []byte)
}

// ControllerConfig holds the tunnel parameters and timing.
type ControllerConfig struct {
	Tunnel       platform.TunnelConfig
	SelfIdentity string
	Debounce     time.Duration
	SettleDelay  time.Duration
}

// ControllerDeps holds all dependencies needed by the TunnelController.
type ControllerDeps struct {
	Rules    RuleSource
	Network  platform.NetworkObserver
	Screen   platform.ScreenObserver // nil means the screen is always on
	Tunnels  platform.TunnelFactory
	Notifier platform.Notifier
	Bus      *core.EventBus
	Sink     PacketSink // optional
}

// session is one protection run, from Start until Stop or a fatal failure.
type session struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// TunnelController owns the sinkhole interface. All transitions happen on a
// single goroutine per session; the interface handle never leaves it.
type TunnelController struct {
	cfg  ControllerConfig
	deps ControllerDeps

	opMu sync.Mutex // serializes Start and Stop
	mu   sync.Mutex
	sess *session

	state *core.Watchable[State]

	blockedMu sync.RWMutex
	blocked   []string
}

// NewTunnelController creates a stopped controller.
func NewTunnelController(cfg ControllerConfig, deps ControllerDeps) *TunnelController {
	if cfg.Debounce <= 0 {
		cfg.Debounce = core.DefaultDebounce
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = core.DefaultSettleDelay
	}
	if cfg.Tunnel.Session == "" {
		cfg.Tunnel.Session = "BearGuard"
	}
	return &TunnelController{
		cfg:   cfg,
		deps:  deps,
		state: core.NewWatchable(StateStopped),
	}
}

// State returns the current lifecycle state.
func (tc *TunnelController) State() State {
	return tc.state.Get()
}

// SubscribeState streams state changes, starting with the current state.
func (tc *TunnelController) SubscribeState() *core.Subscription[State] {
	return tc.state.Subscribe()
}

// Blocked returns the blocked set applied to the current interface.
func (tc *TunnelController) Blocked() []string {
	tc.blockedMu.RLock()
	defer tc.blockedMu.RUnlock()
	return slices.Clone(tc.blocked)
}

// Running reports whether a session is active.
func (tc *TunnelController) Running() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.sess != nil
}

// Start establishes the tunnel and keeps it in sync with rule, network and
// screen changes until Stop. It returns once the first establishment
// succeeded or failed. Starting a running controller is a no-op.
func (tc *TunnelController) Start(ctx context.Context) error {
	tc.opMu.Lock()
	defer tc.opMu.Unlock()
	return tc.start(ctx)
}

func (tc *TunnelController) start(ctx context.Context) error {
	tc.mu.Lock()
	if tc.sess != nil {
		tc.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	tc.sess = s
	tc.mu.Unlock()

	metrics.Get().ControllerSessions.Inc()
	first := make(chan error, 1)
	go tc.run(runCtx, s, first)

	select {
	case err := <-first:
		if err != nil {
			<-s.done
		}
		return err
	case <-ctx.Done():
		tc.stop()
		return ctx.Err()
	}
}

// Stop closes the interface, cancels pending restarts and waits for the
// session to finish. Stopping a stopped controller is a no-op.
func (tc *TunnelController) Stop() {
	tc.opMu.Lock()
	defer tc.opMu.Unlock()
	tc.stop()
}

func (tc *TunnelController) stop() {
	tc.mu.Lock()
	s := tc.sess
	tc.sess = nil
	tc.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Toggle starts a stopped controller or stops a running one.
func (tc *TunnelController) Toggle(ctx context.Context) error {
	tc.opMu.Lock()
	defer tc.opMu.Unlock()
	if tc.Running() {
		tc.stop()
		return nil
	}
	return tc.start(ctx)
}

func (tc *TunnelController) clearSession(s *session) {
	tc.mu.Lock()
	if tc.sess == s {
		tc.sess = nil
	}
	tc.mu.Unlock()
}

// inputs is the latest known value of every change source.
type inputs struct {
	rules    []core.Rule
	network  core.NetworkType
	screenOn bool
}

func (tc *TunnelController) compute(in inputs) []string {
	cond := core.Conditions{Network: in.network, ScreenOn: in.screenOn}
	return core.BlockedSet(in.rules, cond, tc.cfg.SelfIdentity)
}

func (tc *TunnelController) run(ctx context.Context, s *session, first chan<- error) {
	defer close(s.done)
	defer tc.clearSession(s)

	rulesSub := tc.deps.Rules.Observe(ctx)
	defer rulesSub.Close()
	netSub := tc.deps.Network.Subscribe()
	defer netSub.Close()

	in := inputs{screenOn: true}
	in.rules = <-rulesSub.C
	in.network = <-netSub.C

	var screenC <-chan bool
	if tc.deps.Screen != nil {
		screenSub := tc.deps.Screen.Subscribe()
		defer screenSub.Close()
		in.screenOn = <-screenSub.C
		screenC = screenSub.C
	}
	rulesC, netC := rulesSub.C, netSub.C

	tc.setState(s, StateStarting)
	tun, err := tc.establish(ctx, s, tc.compute(in))
	if err != nil {
		tc.fail(ctx, s, err)
		first <- err
		return
	}
	tc.setState(s, StateRunning)
	first <- nil

	// Every change replaces the pending timer; only a quiet window fires.
	var debounce *time.Timer
	var debounceC <-chan time.Time
	stopTimer := func() {
		if debounce != nil {
			debounce.Stop()
			debounce, debounceC = nil, nil
		}
	}
	schedule := func() {
		stopTimer()
		debounce = time.NewTimer(tc.cfg.Debounce)
		debounceC = debounce.C
		tc.setState(s, StateRestartPending)
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			tc.setState(s, StateStopping)
			tun.close()
			tc.setBlocked(nil)
			tc.setState(s, StateStopped)
			core.Log.Infof("Tunnel", "Protection stopped (session %s)", s.id)
			return

		case rules, ok := <-rulesC:
			if !ok {
				rulesC = nil
				continue
			}
			in.rules = rules
			schedule()

		case n, ok := <-netC:
			if !ok {
				netC = nil
				continue
			}
			if n != in.network {
				core.Log.Infof("Tunnel", "Network changed: %s -> %s", in.network, n)
			}
			in.network = n
			schedule()

		case on, ok := <-screenC:
			if !ok {
				screenC = nil
				continue
			}
			in.screenOn = on
			schedule()

		case <-debounceC:
			debounce, debounceC = nil, nil
			next := tc.compute(in)
			if slices.Equal(next, tc.Blocked()) {
				metrics.Get().RestartsSkipped.Inc()
				core.Log.Debugf("Tunnel", "Blocked set unchanged (%d apps), no restart", len(next))
				tc.setState(s, StateRunning)
				continue
			}

			core.Log.Infof("Tunnel", "Blocked set changed (%d -> %d apps), restarting", len(tc.Blocked()), len(next))
			tc.setState(s, StateStopping)
			tun.close()

			if tc.cfg.SettleDelay > 0 {
				settle := time.NewTimer(tc.cfg.SettleDelay)
				select {
				case <-ctx.Done():
					settle.Stop()
					tc.setBlocked(nil)
					tc.setState(s, StateStopped)
					return
				case <-settle.C:
				}
			}

			tc.setState(s, StateStarting)
			tun, err = tc.establish(ctx, s, next)
			if err != nil {
				tc.fail(ctx, s, err)
				return
			}
			metrics.Get().Restarts.Inc()
			tc.setState(s, StateRunning)
		}
	}
}

// activeTunnel is an established interface plus its reader goroutine.
type activeTunnel struct {
	handle platform.TunnelHandle
	done   chan struct{}
}

// close tears the interface down and waits for the reader to exit.
func (t *activeTunnel) close() {
	if err := t.handle.Close(); err != nil {
		core.Log.Warnf("Tunnel", "Close %s: %v", t.handle.Name(), err)
	}
	<-t.done
}

func (tc *TunnelController) establish(ctx context.Context, s *session, blocked []string) (*activeTunnel, error) {
	cfg := tc.cfg.Tunnel
	cfg.Session = fmt.Sprintf("%s-%s", tc.cfg.Tunnel.Session, uuid.NewString()[:8])

	builder, err := tc.deps.Tunnels.NewTunnel(cfg)
	if err != nil {
		return nil, fmt.Errorf("[Tunnel] %w: %w", ErrEstablish, err)
	}

	for _, id := range blocked {
		if err := builder.AllowApplication(id); err != nil {
			metrics.Get().AllowListFailures.Inc()
			core.Log.Warnf("Tunnel", "Cannot route %s into tunnel, leaving it unblocked: %v", id, err)
		}
	}

	handle, err := builder.Establish(ctx)
	if err != nil {
		_ = builder.Abort()
		return nil, fmt.Errorf("[Tunnel] %w: %w", ErrEstablish, err)
	}
	if handle == nil {
		_ = builder.Abort()
		return nil, fmt.Errorf("[Tunnel] %w: %w", ErrEstablish, ErrNullInterface)
	}

	tc.setBlocked(blocked)
	m := metrics.Get()
	m.Establishments.Inc()
	core.Log.Infof("Tunnel", "Established %s (session %s, %d blocked apps)", handle.Name(), cfg.Session, len(blocked))

	t := &activeTunnel{handle: handle, done: make(chan struct{})}
	go tc.readLoop(t)
	return t, nil
}

// readLoop drains the interface. Packets routed here belong to blocked
// applications and are dropped after optional accounting.
func (tc *TunnelController) readLoop(t *activeTunnel) {
	defer close(t.done)
	buf := make([]byte, packetBufferSize)
	for {
		n, err := t.handle.ReadPacket(buf)
		if err != nil {
			core.Log.Debugf("Tunnel", "Reader on %s exited: %v", t.handle.Name(), err)
			return
		}
		if n > 0 && tc.deps.Sink != nil {
			tc.deps.Sink.HandlePacket(buf[:n])
		}
	}
}

// fail moves to STOPPED after an establishment error and reports it. A
// failure caused by Stop is not reported.
func (tc *TunnelController) fail(ctx context.Context, s *session, err error) {
	tc.setBlocked(nil)
	tc.setState(s, StateStopped)
	if ctx.Err() != nil {
		return
	}

	metrics.Get().EstablishFailures.Inc()
	core.Log.Errorf("Tunnel", "Protection inactive: %v", err)
	tc.deps.Bus.Publish(core.Event{
		Type:    core.EventProtectionFailed,
		Payload: core.ProtectionFailedPayload{Session: s.id, Error: err},
	})
	if tc.deps.Notifier != nil {
		if nerr := tc.deps.Notifier.Show("Protection inactive", err.Error()); nerr != nil {
			core.Log.Warnf("Tunnel", "Notification failed: %v", nerr)
		}
	}
}

func (tc *TunnelController) setBlocked(blocked []string) {
	tc.blockedMu.Lock()
	tc.blocked = slices.Clone(blocked)
	tc.blockedMu.Unlock()
	metrics.Get().BlockedApps.Set(float64(len(blocked)))
}

// setState is only called from the session goroutine.
func (tc *TunnelController) setState(s *session, next State) {
	prev := tc.state.Get()
	if prev == next {
		return
	}
	tc.state.Set(next)
	metrics.Get().ControllerState.Set(float64(next))
	core.Log.Debugf("Tunnel", "State %s -> %s", prev, next)
	tc.deps.Bus.Publish(core.Event{
		Type: core.EventProtectionStateChanged,
		Payload: core.ProtectionStatePayload{
			Session:  s.id,
			OldState: prev.String(),
			NewState: next.String(),
			Blocked:  len(tc.Blocked()),
		},
	})
}
