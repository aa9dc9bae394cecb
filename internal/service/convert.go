package service

import (
	"fmt"
	"net/netip"
	"strings"

	"bearguard/internal/core"
	"bearguard/internal/platform"
)

// ─── Config conversions ─────────────────────────────────────────────

// TunnelConfigFrom parses the YAML tunnel settings into the platform form.
// Invalid routes and DNS servers are skipped with a warning; an invalid
// interface address is an error.
func TunnelConfigFrom(s core.TunnelSettings) (platform.TunnelConfig, error) {
	addr, err := parsePrefix(s.Address)
	if err != nil {
		return platform.TunnelConfig{}, fmt.Errorf("[Config] tunnel address %q: %w", s.Address, err)
	}

	tc := platform.TunnelConfig{
		Session: s.Session,
		Name:    s.Interface,
		MTU:     s.MTU,
		Address: addr,
	}
	for _, r := range s.Routes {
		p, err := parsePrefix(r)
		if err != nil {
			core.Log.Warnf("Config", "Invalid route %q in config: %v", r, err)
			continue
		}
		tc.Routes = append(tc.Routes, p.Masked())
	}
	for _, d := range s.DNS {
		ip, err := netip.ParseAddr(strings.TrimSpace(d))
		if err != nil {
			core.Log.Warnf("Config", "Invalid DNS server %q in config: %v", d, err)
			continue
		}
		tc.DNS = append(tc.DNS, ip)
	}
	return tc, nil
}

// parsePrefix accepts CIDR notation or a bare address (host prefix).
func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// ─── Protection status ──────────────────────────────────────────────

// Status is a point-in-time summary of the daemon.
type Status struct {
	State        string
	BlockedApps  []string
	Network      string
	Connections  int
	CachedOwners int
}

func (s Status) String() string {
	return fmt.Sprintf("state=%s network=%s blocked=%d connections=%d cached=%d",
		s.State, s.Network, len(s.BlockedApps), s.Connections, s.CachedOwners)
}
