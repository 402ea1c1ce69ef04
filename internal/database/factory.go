package database

import (
	"fmt"
	"os"
	"path/filepath"

	"filemon/internal/config"
)

// NewStoreFromConfig creates a SQLiteStore based on the database config type.
// The schema is migrated to the latest version before the store is returned.
func NewStoreFromConfig(cfg config.DatabaseConfig, instanceID string) (*SQLiteStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, instanceID+".db"))
	case "memory":
		return NewSQLiteStore(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
