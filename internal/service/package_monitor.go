package service

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"bearguard/internal/core"
	"bearguard/internal/platform"
)

// RuleWriter is the mutation side of the rule store.
type RuleWriter interface {
	Save(ctx context.Context, rule core.Rule) error
	Delete(ctx context.Context, identity string) error
}

// CacheInvalidator clears UID bindings. *process.Resolver implements it.
type CacheInvalidator interface {
	Invalidate()
}

// PackageMonitorDeps holds the collaborators of a PackageMonitor.
type PackageMonitorDeps struct {
	Rules    RuleWriter
	Cache    CacheInvalidator
	Packages platform.PackageRegistry // optional, used for display names
	Notifier platform.Notifier        // optional
	Bus      *core.EventBus
	// Policy returns the current policy settings on every event.
	Policy func() core.PolicySettings
}

// PackageMonitor reacts to application installs and uninstalls.
type PackageMonitor struct {
	deps    PackageMonitorDeps
	limiter *rate.Limiter
}

// NewPackageMonitor creates a monitor. Install notifications are throttled
// so bulk installs do not flood the user.
func NewPackageMonitor(deps PackageMonitorDeps) *PackageMonitor {
	return &PackageMonitor{
		deps:    deps,
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}
}

// Run consumes events from watcher until ctx is done.
func (pm *PackageMonitor) Run(ctx context.Context, watcher platform.PackageWatcher) error {
	events, err := watcher.Watch(ctx)
	if err != nil {
		return fmt.Errorf("[Packages] watch: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := pm.Handle(ctx, ev); err != nil {
				core.Log.Errorf("Packages", "%v", err)
			}
		}
	}
}

// Handle applies one install/uninstall notification. The UID cache is
// cleared for every event, since the OS may have reassigned UIDs.
func (pm *PackageMonitor) Handle(ctx context.Context, ev platform.PackageEvent) error {
	if pm.deps.Cache != nil {
		pm.deps.Cache.Invalidate()
	}

	policy := core.PolicySettings{SelfIdentity: core.DefaultSelfIdentity}
	if pm.deps.Policy != nil {
		policy = pm.deps.Policy()
	}
	if ev.Identity == "" || ev.Identity == policy.SelfIdentity {
		return nil
	}

	pm.deps.Bus.Publish(core.Event{
		Type: core.EventPackageChanged,
		Payload: core.PackagePayload{
			Kind:      ev.Kind,
			Identity:  ev.Identity,
			Replacing: ev.Replacing,
		},
	})
	if ev.Replacing {
		core.Log.Debugf("Packages", "%s %s (update), rules kept", ev.Identity, ev.Kind)
		return nil
	}

	switch ev.Kind {
	case core.PackageAdded:
		rule := core.NewAppRule(ev.Identity, policy.DefaultRule)
		if err := pm.deps.Rules.Save(ctx, rule); err != nil {
			return fmt.Errorf("[Packages] default rule for %s: %w", ev.Identity, err)
		}
		core.Log.Infof("Packages", "New app %s, default %s", ev.Identity, policy.DefaultRule)
		if policy.NotifyNewApps() {
			pm.notifyInstalled(ev.Identity, rule.IsAllowed)
		}

	case core.PackageRemoved:
		if err := pm.deps.Rules.Delete(ctx, ev.Identity); err != nil {
			return fmt.Errorf("[Packages] remove rule for %s: %w", ev.Identity, err)
		}
		core.Log.Infof("Packages", "App %s removed, rule deleted", ev.Identity)
	}
	return nil
}

func (pm *PackageMonitor) notifyInstalled(identity string, allowed bool) {
	if pm.deps.Notifier == nil {
		return
	}
	if !pm.limiter.Allow() {
		core.Log.Debugf("Packages", "Notification for %s throttled", identity)
		return
	}

	name := identity
	if pm.deps.Packages != nil {
		if dn, err := pm.deps.Packages.DisplayName(identity); err == nil && dn != "" {
			name = dn
		}
	}
	status := "Internet access allowed"
	if !allowed {
		status = "Internet access blocked"
	}
	if err := pm.deps.Notifier.Show("New app: "+name, status); err != nil {
		core.Log.Warnf("Packages", "Notification failed: %v", err)
	}
}
