package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMigrateConfigStampsUnversioned(t *testing.T) {
	raw := map[string]interface{}{
		"policy": map[string]interface{}{"default_rule_for_new_apps": "block"},
	}
	version, migrated, err := MigrateConfig(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !migrated || version != CurrentConfigVersion {
		t.Fatalf("version=%d migrated=%v", version, migrated)
	}
	if raw["version"] != CurrentConfigVersion {
		t.Errorf("version key = %v", raw["version"])
	}
	if got := raw["policy"].(map[string]interface{})["default_rule_for_new_apps"]; got != "block" {
		t.Errorf("policy = %v", got)
	}
}

func TestMigrateConfigCurrentIsNoop(t *testing.T) {
	raw := map[string]interface{}{"version": CurrentConfigVersion}
	version, migrated, err := MigrateConfig(raw)
	if err != nil || migrated || version != CurrentConfigVersion {
		t.Fatalf("version=%d migrated=%v err=%v", version, migrated, err)
	}
}

func TestMigrateConfigStopsOnFailure(t *testing.T) {
	orig := configMigrations
	t.Cleanup(func() { configMigrations = orig })
	configMigrations = []configMigration{
		{FromVersion: 0, Migrate: func(map[string]interface{}) error { return errors.New("bad layout") }},
	}

	raw := map[string]interface{}{}
	version, migrated, err := MigrateConfig(raw)
	if err == nil {
		t.Fatal("expected error")
	}
	if version != 0 || migrated {
		t.Errorf("version=%d migrated=%v", version, migrated)
	}
	if _, ok := raw["version"]; ok {
		t.Error("failed migration must not stamp a version")
	}
}

func TestLoadMigratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bearguard.yaml")
	legacy := "policy:\n  default_rule_for_new_apps: block\n"
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	cm := NewConfigManager(path, nil)
	if err := cm.Load(); err != nil {
		t.Fatal(err)
	}
	cfg := cm.Get()
	if cfg.Version != CurrentConfigVersion {
		t.Errorf("version = %d", cfg.Version)
	}
	if cfg.Policy.DefaultRule != PolicyBlock {
		t.Errorf("default rule = %s", cfg.Policy.DefaultRule)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "version: 1") {
		t.Errorf("migrated config not persisted:\n%s", data)
	}
}
