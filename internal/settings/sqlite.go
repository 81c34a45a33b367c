package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/rzp-labs/kernelhost/pkg/api/v1"
)

const (
	keyPythonToolMode = "python_tool_mode"
	keyKernelMode     = "kernel_mode"
)

// SQLiteRepository stores settings as key/value rows behind a single write
// connection.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (creating if needed) the settings database at
// path and initializes its schema.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	resolved, err := ensurePath(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", resolved))
	if err != nil {
		return nil, fmt.Errorf("open settings database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("settings schema init: %w", err)
	}
	return repo, nil
}

func ensurePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("settings path is empty")
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve settings path: %w", err)
	}
	if dir := filepath.Dir(resolved); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create settings directory: %w", err)
		}
	}
	return resolved, nil
}

func (r *SQLiteRepository) initSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`)
	return err
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) GetPythonToolMode(ctx context.Context) (v1.PythonToolMode, bool, error) {
	value, ok, err := r.get(ctx, keyPythonToolMode)
	return v1.PythonToolMode(value), ok, err
}

func (r *SQLiteRepository) SetPythonToolMode(ctx context.Context, mode v1.PythonToolMode) error {
	return r.set(ctx, keyPythonToolMode, string(mode))
}

func (r *SQLiteRepository) GetKernelMode(ctx context.Context) (v1.ExecutionMode, bool, error) {
	value, ok, err := r.get(ctx, keyKernelMode)
	return v1.ExecutionMode(value), ok, err
}

func (r *SQLiteRepository) SetKernelMode(ctx context.Context, mode v1.ExecutionMode) error {
	return r.set(ctx, keyKernelMode, string(mode))
}

func (r *SQLiteRepository) get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *SQLiteRepository) set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	return err
}
