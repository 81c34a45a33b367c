package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rzp-labs/kernelhost/internal/db/dialect"
)

const sqliteBusyTimeoutMS = 5000

// sqliteDSN renders the file DSN for one side of the pool. The writer opens
// read-write-create and owns the database-level settings (WAL journaling,
// NORMAL synchronous); readers open read-only and inherit them.
func sqliteDSN(path string, readOnly bool) string {
	if readOnly {
		return fmt.Sprintf(
			"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
			path, sqliteBusyTimeoutMS,
		)
	}
	return fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, sqliteBusyTimeoutMS,
	)
}

// openSQLiteWriter opens the single write connection, creating the database
// file on first run. MaxOpenConns(1) serializes writes in the pool instead of
// in SQLite's file lock, which turns SQLITE_BUSY into ordinary queueing.
func openSQLiteWriter(path string) (*sqlx.DB, error) {
	resolved, err := ensureSQLitePath(path)
	if err != nil {
		return nil, err
	}

	database, err := sqlx.Open(dialect.SQLite3, sqliteDSN(resolved, false))
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)

	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping sqlite writer: %w", err)
	}
	return database, nil
}

// openSQLiteReader opens the read-only side. WAL lets these connections read
// snapshots alongside the writer. The writer must be opened first so the
// database file exists.
func openSQLiteReader(path string) (*sqlx.DB, error) {
	resolved, err := normalizeSQLitePath(path)
	if err != nil {
		return nil, err
	}

	database, err := sqlx.Open(dialect.SQLite3, sqliteDSN(resolved, true))
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	database.SetMaxOpenConns(4)
	database.SetMaxIdleConns(4)

	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping sqlite reader: %w", err)
	}
	return database, nil
}

// ensureSQLitePath resolves the path and creates the parent directory and an
// empty database file when missing, so a fresh deployment starts without
// manual setup.
func ensureSQLitePath(path string) (string, error) {
	resolved, err := normalizeSQLitePath(path)
	if err != nil {
		return "", err
	}

	if dir := filepath.Dir(resolved); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	file, err := os.OpenFile(resolved, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("create sqlite file: %w", err)
	}
	file.Close()
	return resolved, nil
}

func normalizeSQLitePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve sqlite path: %w", err)
	}
	return abs, nil
}
