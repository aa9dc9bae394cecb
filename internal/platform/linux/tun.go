//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"bearguard/internal/core"
	"bearguard/internal/metrics"
	"bearguard/internal/platform"
)

// rulePriority places the per-account rules ahead of the main table (32766).
const rulePriority = 5200

// TunnelFactory creates sinkhole TUN interfaces. Traffic of allowed
// accounts is steered into the interface by uidrange policy rules that
// point at a dedicated routing table.
type TunnelFactory struct {
	table    int
	packages platform.PackageRegistry
}

// NewTunnelFactory creates a factory that installs routes into table.
func NewTunnelFactory(table int, packages platform.PackageRegistry) *TunnelFactory {
	if table <= 0 {
		table = 2024
	}
	return &TunnelFactory{table: table, packages: packages}
}

func (f *TunnelFactory) NewTunnel(cfg platform.TunnelConfig) (platform.TunnelBuilder, error) {
	if !cfg.Address.IsValid() {
		return nil, fmt.Errorf("[TUN] invalid interface address")
	}
	if cfg.Name == "" {
		cfg.Name = "bearguard0"
	}
	return &tunBuilder{factory: f, cfg: cfg}, nil
}

type tunBuilder struct {
	factory *TunnelFactory
	cfg     platform.TunnelConfig
	uids    []int
}

// AllowApplication resolves id to its account and queues a uidrange rule.
func (b *tunBuilder) AllowApplication(id string) error {
	uid, err := b.factory.packages.UIDForPackage(id)
	if err != nil {
		return fmt.Errorf("[TUN] resolve %s: %w", id, err)
	}
	b.uids = append(b.uids, uid)
	return nil
}

func (b *tunBuilder) Establish(ctx context.Context) (platform.TunnelHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dev, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: b.cfg.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[TUN] create %s: %w", b.cfg.Name, err)
	}

	h := &tunHandle{dev: dev, name: dev.Name()}
	if err := h.configure(b.cfg, b.factory.table, b.uids); err != nil {
		h.Close()
		return nil, err
	}
	if len(b.cfg.DNS) > 0 {
		core.Log.Debugf("TUN", "DNS %v not applied on linux; resolver traffic follows the routing rules", b.cfg.DNS)
	}
	core.Log.Infof("TUN", "%s up (%s, mtu %d, %d accounts, table %d)", h.name, b.cfg.Address, b.cfg.MTU, len(b.uids), b.factory.table)
	return h, nil
}

// Abort discards queued state. Nothing touches the kernel before Establish.
func (b *tunBuilder) Abort() error {
	b.uids = nil
	return nil
}

type tunHandle struct {
	dev   *water.Interface
	name  string
	rules []*netlink.Rule

	closeOnce sync.Once
	closeErr  error
}

func (h *tunHandle) configure(cfg platform.TunnelConfig, table int, uids []int) error {
	link, err := netlink.LinkByName(h.name)
	if err != nil {
		return fmt.Errorf("[TUN] lookup %s: %w", h.name, err)
	}
	if cfg.MTU > 0 {
		if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
			return fmt.Errorf("[TUN] set mtu: %w", err)
		}
	}
	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: prefixToIPNet(cfg.Address)}); err != nil {
		return fmt.Errorf("[TUN] add address %s: %w", cfg.Address, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("[TUN] link up: %w", err)
	}

	for _, p := range cfg.Routes {
		r := netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       prefixToIPNet(p),
			Table:     table,
		}
		if err := netlink.RouteReplace(&r); err != nil {
			return fmt.Errorf("[TUN] add route %s: %w", p, err)
		}
	}

	h.rules = addUIDRules(table, uids, routeFamilies(cfg.Routes))
	return nil
}

// ruleAdd installs a policy rule; replaced in tests.
var ruleAdd = netlink.RuleAdd

// addUIDRules steers each account into table, one rule per address family.
// A rule that cannot be added leaves that account unblocked for the family;
// the remaining rules are still installed.
func addUIDRules(table int, uids []int, families []int) []*netlink.Rule {
	var added []*netlink.Rule
	for _, uid := range uids {
		for _, fam := range families {
			rule := netlink.NewRule()
			rule.Family = fam
			rule.Table = table
			rule.Priority = rulePriority
			rule.UIDRange = netlink.NewRuleUIDRange(uint32(uid), uint32(uid))
			if err := ruleAdd(rule); err != nil {
				metrics.Get().AllowListFailures.Inc()
				core.Log.Warnf("TUN", "Cannot add rule for uid %d (family %d), leaving it unblocked: %v", uid, fam, err)
				continue
			}
			added = append(added, rule)
		}
	}
	return added
}

func (h *tunHandle) Name() string { return h.name }

func (h *tunHandle) ReadPacket(buf []byte) (int, error) {
	return h.dev.Read(buf)
}

// Close removes the policy rules, then the device. Routes in the table go
// away with the link.
func (h *tunHandle) Close() error {
	h.closeOnce.Do(func() {
		var errs []error
		for _, r := range h.rules {
			if err := netlink.RuleDel(r); err != nil {
				errs = append(errs, fmt.Errorf("del rule uid %d: %w", r.UIDRange.Start, err))
			}
		}
		if err := h.dev.Close(); err != nil {
			errs = append(errs, err)
		}
		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	addr := p.Addr()
	bits := addr.BitLen()
	return &net.IPNet{
		IP:   net.IP(addr.AsSlice()),
		Mask: net.CIDRMask(p.Bits(), bits),
	}
}

// routeFamilies returns the address families covered by routes.
func routeFamilies(routes []netip.Prefix) []int {
	var v4, v6 bool
	for _, p := range routes {
		if p.Addr().Is4() {
			v4 = true
		} else {
			v6 = true
		}
	}
	var out []int
	if v4 {
		out = append(out, netlink.FAMILY_V4)
	}
	if v6 {
		out = append(out, netlink.FAMILY_V6)
	}
	return out
}
