package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// DefaultRulesKey is the namespaced key the rule list is stored under.
const DefaultRulesKey = "firewall_rules"

// ErrStorageWrite is wrapped by every RuleStore mutation that failed to persist.
var ErrStorageWrite = errors.New("rule storage write failed")

// KVStore is the durable key-value collaborator backing the RuleStore.
type KVStore interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
}

// RuleStore maps application identity to Rule and persists the mapping as a
// JSON list under a single key. Mutations are serialized and observed by
// subscribers in commit order.
type RuleStore struct {
	writeMu sync.Mutex
	kv      KVStore
	key     string
	bus     *EventBus

	snapshot *Watchable[[]Rule]
	loadOnce sync.Once
}

// NewRuleStore creates a store over kv. An empty key selects DefaultRulesKey.
func NewRuleStore(kv KVStore, key string, bus *EventBus) *RuleStore {
	if key == "" {
		key = DefaultRulesKey
	}
	return &RuleStore{
		kv:       kv,
		key:      key,
		bus:      bus,
		snapshot: NewWatchable[[]Rule](nil),
	}
}

// load decodes the persisted list. Only a failing backend is an error; an
// undecodable value cannot be recovered and counts as no rules.
func (s *RuleStore) load(ctx context.Context) ([]Rule, error) {
	data, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, err
	}
	if !ok || len(data) == 0 {
		return nil, nil
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		Log.Warnf("Rules", "Decode %s failed, treating as empty: %v", s.key, err)
		return nil, nil
	}
	return rules, nil
}

// read is load for the read path: failures yield no rules.
func (s *RuleStore) read(ctx context.Context) []Rule {
	rules, err := s.load(ctx)
	if err != nil {
		Log.Warnf("Rules", "Read %s failed, treating as empty: %v", s.key, err)
		return nil
	}
	return rules
}

func (s *RuleStore) ensureLoaded(ctx context.Context) {
	s.loadOnce.Do(func() {
		rules := s.read(ctx)
		s.snapshot.Set(rules)
		Log.Debugf("Rules", "Loaded %d rules", len(rules))
	})
}

// Reload re-reads the persisted list and publishes it.
func (s *RuleStore) Reload(ctx context.Context) []Rule {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.loadOnce.Do(func() {})
	rules := s.read(ctx)
	s.snapshot.Set(rules)
	return slices.Clone(rules)
}

// Get returns the rule stored for identity.
func (s *RuleStore) Get(ctx context.Context, identity string) (Rule, bool) {
	s.ensureLoaded(ctx)
	for _, r := range s.snapshot.Get() {
		if r.Identity == identity {
			return r, true
		}
	}
	return Rule{}, false
}

// GetAll returns a copy of every stored rule.
func (s *RuleStore) GetAll(ctx context.Context) []Rule {
	s.ensureLoaded(ctx)
	return slices.Clone(s.snapshot.Get())
}

// Observe streams the rule list, starting with the current snapshot.
func (s *RuleStore) Observe(ctx context.Context) *Subscription[[]Rule] {
	s.ensureLoaded(ctx)
	return s.snapshot.Subscribe()
}

// IsAllowed reports the master switch of identity. Apps without a rule are allowed.
func (s *RuleStore) IsAllowed(ctx context.Context, identity string) bool {
	r, ok := s.Get(ctx, identity)
	return !ok || r.IsAllowed
}

// BlockedIdentities returns identities whose master switch is off.
func (s *RuleStore) BlockedIdentities(ctx context.Context) []string {
	var out []string
	for _, r := range s.GetAll(ctx) {
		if !r.IsAllowed {
			out = append(out, r.Identity)
		}
	}
	return out
}

// Save upserts rule by identity.
func (s *RuleStore) Save(ctx context.Context, rule Rule) error {
	if strings.TrimSpace(rule.Identity) == "" {
		return fmt.Errorf("[Rules] save: empty identity")
	}
	err := s.mutate(ctx, func(rules []Rule) []Rule {
		i := slices.IndexFunc(rules, func(r Rule) bool { return r.Identity == rule.Identity })
		if i >= 0 {
			rules[i] = rule
			return rules
		}
		return append(rules, rule)
	})
	if err != nil {
		return fmt.Errorf("[Rules] save %s: %w", rule.Identity, err)
	}
	Log.Infof("Rules", "Saved %s (allowed=%v wifi=%v mobile=%v screenOff=%v)",
		rule.Identity, rule.IsAllowed, rule.AllowWifi, rule.AllowMobileData, rule.AllowWhenScreenOff)
	s.bus.Publish(Event{Type: EventRuleSaved, Payload: RulePayload{Rule: rule}})
	return nil
}

// Delete removes the rule of identity. Deleting a missing rule is not an error.
func (s *RuleStore) Delete(ctx context.Context, identity string) error {
	var removed *Rule
	err := s.mutate(ctx, func(rules []Rule) []Rule {
		i := slices.IndexFunc(rules, func(r Rule) bool { return r.Identity == identity })
		if i < 0 {
			return rules
		}
		r := rules[i]
		removed = &r
		return slices.Delete(rules, i, i+1)
	})
	if err != nil {
		return fmt.Errorf("[Rules] delete %s: %w", identity, err)
	}
	if removed != nil {
		Log.Infof("Rules", "Deleted %s", identity)
		s.bus.Publish(Event{Type: EventRuleDeleted, Payload: RulePayload{Rule: *removed}})
	}
	return nil
}

// mutate runs a read-modify-write cycle against the persisted list and
// publishes the new list only after it was written. The snapshot may be an
// empty fail-open result, so it is never the base of a write; when the
// backend cannot be read nothing is written.
func (s *RuleStore) mutate(ctx context.Context, fn func([]Rule) []Rule) error {
	s.ensureLoaded(ctx)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.load(ctx)
	if err != nil {
		return errors.Join(ErrStorageWrite, fmt.Errorf("read before write: %w", err))
	}
	next := fn(current)
	data, err := json.Marshal(next)
	if err != nil {
		return errors.Join(ErrStorageWrite, err)
	}
	if err := s.kv.Put(ctx, s.key, data); err != nil {
		return errors.Join(ErrStorageWrite, err)
	}
	s.snapshot.Set(next)
	return nil
}
