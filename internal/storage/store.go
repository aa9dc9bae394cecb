// Package storage provides the durable key-value backends behind the rule store.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"bearguard/internal/core"
)

// Store is a core.KVStore that owns resources.
type Store interface {
	core.KVStore
	Close() error
}

// Open creates the backend selected by cfg. Relative paths resolve against baseDir.
func Open(cfg core.StorageSettings, baseDir string) (Store, error) {
	path := cfg.Path
	if path != "" && !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}

	switch strings.ToLower(cfg.Backend) {
	case "", "file":
		if path == "" {
			return nil, fmt.Errorf("[Storage] file backend requires a path")
		}
		return NewFileStore(path)
	case "sqlite":
		if path == "" {
			return nil, fmt.Errorf("[Storage] sqlite backend requires a path")
		}
		return NewSQLiteStore(path)
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("[Storage] redis backend requires redis_addr")
		}
		return NewRedisStore(context.Background(), cfg.RedisAddr, cfg.RedisDB)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("[Storage] unknown backend %q", cfg.Backend)
	}
}
