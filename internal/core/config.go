package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDebounce       = 300 * time.Millisecond
	DefaultSettleDelay    = 100 * time.Millisecond
	DefaultLedgerCapacity = 1000
	DefaultSelfIdentity   = "com.bearguard.firewall"
)

// TunnelSettings describes the sinkhole interface.
type TunnelSettings struct {
	Session   string   `yaml:"session"`
	Interface string   `yaml:"interface,omitempty"`
	MTU       int      `yaml:"mtu"`
	Address   string   `yaml:"address"`
	Routes    []string `yaml:"routes"`
	DNS       []string `yaml:"dns,omitempty"`
	// Table is the routing table blocked applications are steered into (linux).
	Table int `yaml:"table,omitempty"`
}

// ControllerSettings tunes the restart state machine. Durations are Go
// duration strings, e.g. "300ms".
type ControllerSettings struct {
	Debounce    string `yaml:"debounce,omitempty"`
	SettleDelay string `yaml:"settle_delay,omitempty"`
}

// PolicySettings holds user-level firewall settings.
type PolicySettings struct {
	SelfIdentity string        `yaml:"self_identity"`
	DefaultRule  DefaultPolicy `yaml:"default_rule_for_new_apps"`
	Notify       *bool         `yaml:"notify_new_apps,omitempty"`
}

// StorageSettings selects the persistent key-value backend.
type StorageSettings struct {
	Backend   string `yaml:"backend"` // "file" (default), "sqlite", "redis", "memory"
	Path      string `yaml:"path,omitempty"`
	RedisAddr string `yaml:"redis_addr,omitempty"`
	RedisDB   int    `yaml:"redis_db,omitempty"`
	Key       string `yaml:"key,omitempty"`
}

// LedgerSettings configures the traffic ledger.
type LedgerSettings struct {
	Capacity         int  `yaml:"capacity,omitempty"`
	PacketAccounting bool `yaml:"packet_accounting"`
}

// MetricsSettings configures the prometheus endpoint. Empty Listen disables it.
type MetricsSettings struct {
	Listen string `yaml:"listen,omitempty"`
}

// ControlSettings configures the local gRPC control socket. Empty Socket disables it.
type ControlSettings struct {
	Socket string `yaml:"socket,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Version    int                `yaml:"version"`
	Tunnel     TunnelSettings     `yaml:"tunnel"`
	Controller ControllerSettings `yaml:"controller,omitempty"`
	Policy     PolicySettings     `yaml:"policy"`
	Storage    StorageSettings    `yaml:"storage"`
	Ledger     LedgerSettings     `yaml:"ledger,omitempty"`
	Metrics    MetricsSettings    `yaml:"metrics,omitempty"`
	Control    ControlSettings    `yaml:"control,omitempty"`
	Logging    LogConfig          `yaml:"logging,omitempty"`
}

// DebounceInterval returns the parsed debounce window.
func (c ControllerSettings) DebounceInterval() time.Duration {
	return parseInterval("debounce", c.Debounce, DefaultDebounce)
}

// SettleInterval returns the parsed settle delay between close and reopen.
func (c ControllerSettings) SettleInterval() time.Duration {
	return parseInterval("settle_delay", c.SettleDelay, DefaultSettleDelay)
}

// parseInterval parses s, falling back to def on empty or invalid input.
func parseInterval(name, s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		Log.Warnf("Core", "Invalid %s %q, using %s", name, s, def)
		return def
	}
	return d
}

// NotifyNewApps reports whether install notifications are shown (default true).
func (p PolicySettings) NotifyNewApps() bool {
	return p.Notify == nil || *p.Notify
}

// DefaultConfig returns a usable configuration.
func DefaultConfig() Config {
	return Config{
		Version: CurrentConfigVersion,
		Tunnel: TunnelSettings{
			Session: "BearGuard",
			MTU:     1500,
			Address: "10.0.0.2/32",
			Routes:  []string{"0.0.0.0/0", "::/0"},
			DNS:     []string{"8.8.8.8", "8.8.4.4"},
			Table:   2024,
		},
		Controller: ControllerSettings{
			Debounce:    DefaultDebounce.String(),
			SettleDelay: DefaultSettleDelay.String(),
		},
		Policy: PolicySettings{
			SelfIdentity: DefaultSelfIdentity,
			DefaultRule:  PolicyAllow,
		},
		Storage: StorageSettings{
			Backend: "file",
			Path:    "data",
			Key:     DefaultRulesKey,
		},
		Ledger: LedgerSettings{
			Capacity: DefaultLedgerCapacity,
		},
	}
}

// ConfigManager handles loading and saving configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
		config:   DefaultConfig(),
	}
}

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
// Keys missing from the file keep their defaults.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = DefaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Core] failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}
	version, migrated, err := MigrateConfig(raw)
	if err != nil {
		return fmt.Errorf("[Core] %w", err)
	}
	if migrated {
		if data, err = yaml.Marshal(raw); err != nil {
			return fmt.Errorf("[Core] failed to re-encode migrated config: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}
	cfg.Version = version
	if cfg.Ledger.Capacity <= 0 {
		cfg.Ledger.Capacity = DefaultLedgerCapacity
	}
	if cfg.Storage.Key == "" {
		cfg.Storage.Key = DefaultRulesKey
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if migrated {
		Log.Infof("Core", "Config migrated to v%d", version)
		if err := cm.Save(); err != nil {
			Log.Warnf("Core", "Could not persist migrated config: %v", err)
		}
	}

	cm.bus.Publish(Event{Type: EventConfigReloaded})
	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(cm.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("[Core] failed to create config dir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(cm.filePath, data, 0o644); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}

	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// SetPolicy replaces the policy section and persists the config.
func (cm *ConfigManager) SetPolicy(p PolicySettings) error {
	cm.mu.Lock()
	cm.config.Policy = p
	cm.mu.Unlock()

	if err := cm.Save(); err != nil {
		return err
	}
	cm.bus.Publish(Event{Type: EventConfigReloaded})
	return nil
}
