package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// NetworkType is the kind of network the device currently uses.
type NetworkType int

const (
	NetworkNone NetworkType = iota
	NetworkWiFi
	NetworkMobile
)

func (n NetworkType) String() string {
	switch n {
	case NetworkWiFi:
		return "wifi"
	case NetworkMobile:
		return "mobile"
	case NetworkNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseNetworkType parses "wifi", "mobile" or "none".
func ParseNetworkType(s string) (NetworkType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wifi", "wlan", "ethernet":
		return NetworkWiFi, nil
	case "mobile", "cellular":
		return NetworkMobile, nil
	case "none", "":
		return NetworkNone, nil
	default:
		return NetworkNone, fmt.Errorf("unknown network type: %q", s)
	}
}

// Rule is the user's access policy for one application.
// Rules are replaced as a whole; callers merge fields before saving.
type Rule struct {
	// Identity is the stable application identifier (package name).
	Identity string `json:"packageName" yaml:"identity"`
	// IsAllowed is the master switch.
	IsAllowed bool `json:"isAllowed" yaml:"is_allowed"`
	// AllowWifi and AllowMobileData only matter when IsAllowed is true.
	AllowWifi       bool `json:"allowWifi" yaml:"allow_wifi"`
	AllowMobileData bool `json:"allowMobileData" yaml:"allow_mobile_data"`
	// AllowWhenScreenOff blocks background traffic while the screen is off when false.
	AllowWhenScreenOff bool `json:"allowWhenScreenOff" yaml:"allow_when_screen_off"`
}

// DefaultRule is the implicit rule of an application that has none.
func DefaultRule(identity string) Rule {
	return Rule{
		Identity:           identity,
		IsAllowed:          true,
		AllowWifi:          true,
		AllowMobileData:    true,
		AllowWhenScreenOff: true,
	}
}

// UnmarshalJSON fills fields missing from older records with their allow defaults.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	p := plain(DefaultRule(""))
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// DefaultPolicy decides the rule created for a newly installed application.
type DefaultPolicy int

const (
	PolicyAllow DefaultPolicy = iota
	PolicyBlock
)

func (p DefaultPolicy) String() string {
	if p == PolicyBlock {
		return "block"
	}
	return "allow"
}

// ParseDefaultPolicy parses "allow" or "block".
func ParseDefaultPolicy(s string) (DefaultPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "":
		return PolicyAllow, nil
	case "block", "deny":
		return PolicyBlock, nil
	default:
		return PolicyAllow, fmt.Errorf("unknown default policy: %q", s)
	}
}

// NewAppRule returns the rule for a freshly installed application under policy p.
func NewAppRule(identity string, p DefaultPolicy) Rule {
	allowed := p == PolicyAllow
	return Rule{
		Identity:           identity,
		IsAllowed:          allowed,
		AllowWifi:          allowed,
		AllowMobileData:    allowed,
		AllowWhenScreenOff: true,
	}
}

// UnmarshalYAML implements yaml.Unmarshaler for DefaultPolicy.
func (p *DefaultPolicy) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDefaultPolicy(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for DefaultPolicy.
func (p DefaultPolicy) MarshalYAML() (any, error) {
	return p.String(), nil
}
