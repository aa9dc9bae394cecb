package core

import "fmt"

// CurrentConfigVersion is the latest config schema version.
const CurrentConfigVersion = 1

// configMigration defines a single config migration step.
type configMigration struct {
	FromVersion int
	Migrate     func(raw map[string]interface{}) error
}

// configMigrations is the ordered list of all migrations.
// Each migration transforms raw YAML map from FromVersion to FromVersion+1.
var configMigrations = []configMigration{
	{FromVersion: 0, Migrate: migrateV0toV1},
}

// MigrateConfig applies all pending migrations to a raw YAML config map.
// Returns the final version number and whether any migration was applied.
func MigrateConfig(raw map[string]interface{}) (version int, migrated bool, err error) {
	// Extract current version (0 if missing: pre-versioned config).
	switch v := raw["version"].(type) {
	case int:
		version = v
	case float64:
		version = int(v)
	default:
		version = 0
	}

	startVersion := version
	for _, m := range configMigrations {
		if m.FromVersion == version {
			if err := m.Migrate(raw); err != nil {
				return version, version != startVersion,
					fmt.Errorf("migration v%d→v%d failed: %w", m.FromVersion, m.FromVersion+1, err)
			}
			version++
			raw["version"] = version
		}
	}
	return version, version != startVersion, nil
}

// migrateV0toV1 stamps files written without a version key. Their layout is
// already the v1 layout.
func migrateV0toV1(raw map[string]interface{}) error {
	return nil
}
