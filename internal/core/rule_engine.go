package core

import (
	"slices"
)

// Conditions is the device context a rule is evaluated against.
type Conditions struct {
	Network  NetworkType
	ScreenOn bool
}

// IsBlocked decides whether traffic governed by rule is denied on network n.
// The screen is assumed to be on.
func IsBlocked(rule Rule, n NetworkType) bool {
	return IsBlockedWhen(rule, Conditions{Network: n, ScreenOn: true})
}

// IsBlockedWhen evaluates rule against the full device context.
// First matching row wins.
func IsBlockedWhen(rule Rule, c Conditions) bool {
	switch {
	case !rule.IsAllowed:
		return true
	case c.Network == NetworkWiFi && !rule.AllowWifi:
		return true
	case c.Network == NetworkMobile && !rule.AllowMobileData:
		return true
	case c.Network == NetworkNone:
		// No traffic can flow.
		return false
	case !c.ScreenOn && !rule.AllowWhenScreenOff:
		return true
	default:
		return false
	}
}

// IsIdentityBlocked looks identity up in rules. A missing rule never blocks.
func IsIdentityBlocked(rules map[string]Rule, identity string, c Conditions) bool {
	rule, ok := rules[identity]
	if !ok {
		return false
	}
	return IsBlockedWhen(rule, c)
}

// BlockedSet evaluates every rule and returns the sorted identities that are
// blocked under c. The identities in exclude never appear in the result.
func BlockedSet(rules []Rule, c Conditions, exclude ...string) []string {
	blocked := make([]string, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.Identity == "" || slices.Contains(exclude, r.Identity) {
			continue
		}
		if _, dup := seen[r.Identity]; dup {
			continue
		}
		if IsBlockedWhen(r, c) {
			seen[r.Identity] = struct{}{}
			blocked = append(blocked, r.Identity)
		}
	}
	slices.Sort(blocked)
	return blocked
}
