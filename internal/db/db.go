// Package db opens the embedded SQLite database backing the Store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Config controls where the database file lives.
type Config struct {
	DataDir string
}

// Path returns the sqlite file path for a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, "app.sqlite")
}

// EnsureDataDir creates the data directory and its reports/logs
// subdirectories (spec §6's persisted-state layout) if they do not exist.
func EnsureDataDir(dataDir string) error {
	for _, sub := range []string{"", "reports", "logs"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return fmt.Errorf("db: ensure data dir: %w", err)
		}
	}
	return nil
}

// Open opens (creating if absent) the sqlite database for cfg.DataDir.
func Open(cfg Config) (*sql.DB, error) {
	if err := EnsureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", Path(cfg.DataDir))
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline matches the engine's per-work-order lock
	return sqlDB, nil
}
