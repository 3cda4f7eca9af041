package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"race-sync/internal/config"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteProvider struct {
	SQLProvider
}

func NewSQLiteProvider(cfg *config.Storage) (*SQLiteProvider, error) {
	path := cfg.SQLite.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	provider, err := NewSQLProvider(cfg, "sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, err
	}

	// SQLite only supports one writer at a time. A single connection also
	// keeps an in-memory database alive for the lifetime of the provider.
	provider.db.SetMaxOpenConns(1)
	provider.db.SetMaxIdleConns(1)

	return &SQLiteProvider{
		SQLProvider: *provider,
	}, nil
}

// sqliteDSN builds a go-sqlite3 connection string. Transactions take the write
// lock up front (_txlock=immediate) so read-modify-write sequences cannot
// interleave.
func sqliteDSN(path string) string {
	params := "_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	if path == ":memory:" {
		return "file::memory:?" + params
	}
	return "file:" + path + "?" + params + "&_journal_mode=WAL&_synchronous=NORMAL"
}
