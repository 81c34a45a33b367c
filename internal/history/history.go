// Package history persists one row per pooled execution so past runs can be
// inspected after their kernels are gone. Output itself is not stored, only
// its size; the row is the outcome, not a transcript.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rzp-labs/kernelhost/internal/db"
	"github.com/rzp-labs/kernelhost/internal/db/dialect"
)

const (
	// DefaultListLimit applies when a caller asks for recent rows without
	// saying how many.
	DefaultListLimit = 50
	// MaxListLimit caps a single listing regardless of what was asked for.
	MaxListLimit = 500
)

// Record is one persisted execution outcome.
type Record struct {
	ID             string    `json:"id" db:"id"`
	SessionKey     string    `json:"session_key" db:"session_key"`
	Mode           string    `json:"mode" db:"mode"`
	Runtime        string    `json:"runtime" db:"runtime"`
	RawStatus      string    `json:"raw_status" db:"raw_status"`
	ExitCode       *int      `json:"exit_code,omitempty" db:"exit_code"`
	Cancelled      bool      `json:"cancelled" db:"cancelled"`
	TimedOut       bool      `json:"timed_out" db:"timed_out"`
	StdinRequested bool      `json:"stdin_requested" db:"stdin_requested"`
	OutputBytes    int       `json:"output_bytes" db:"output_bytes"`
	DurationMS     int64     `json:"duration_ms" db:"duration_ms"`
	StartedAt      time.Time `json:"started_at" db:"started_at"`
}

// createTableSQL is portable DDL: INTEGER flags and TIMESTAMP columns read
// the same on SQLite and PostgreSQL.
const createTableSQL = `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL,
		runtime TEXT NOT NULL,
		raw_status TEXT NOT NULL,
		exit_code INTEGER,
		cancelled INTEGER NOT NULL DEFAULT 0,
		timed_out INTEGER NOT NULL DEFAULT 0,
		stdin_requested INTEGER NOT NULL DEFAULT 0,
		output_bytes INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at);
	CREATE INDEX IF NOT EXISTS idx_executions_session_key ON executions(session_key);
`

// Repository stores and lists execution records over the shared pool.
type Repository struct {
	pool *db.Pool
}

// NewRepository initializes the schema and returns the repository.
func NewRepository(pool *db.Pool) (*Repository, error) {
	r := &Repository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("history schema init: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	_, err := r.pool.Writer().Exec(createTableSQL)
	return err
}

// Record inserts one execution outcome. A missing ID is generated and the
// timestamp is normalized to UTC so rows sort the same on every backend.
func (r *Repository) Record(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	rec.StartedAt = rec.StartedAt.UTC()

	writer := r.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO executions (id, session_key, mode, runtime, raw_status, exit_code,
			cancelled, timed_out, stdin_requested, output_bytes, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.SessionKey, rec.Mode, rec.Runtime, rec.RawStatus, rec.ExitCode,
		dialect.BoolToInt(rec.Cancelled), dialect.BoolToInt(rec.TimedOut),
		dialect.BoolToInt(rec.StdinRequested), rec.OutputBytes, rec.DurationMS, rec.StartedAt)
	return err
}

// ListRecent returns the newest records, capped at MaxListLimit.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	limit = clampLimit(limit)
	reader := r.pool.Reader()
	var records []*Record
	err := reader.SelectContext(ctx, &records, reader.Rebind(`
		SELECT * FROM executions ORDER BY started_at DESC LIMIT ?`), limit)
	return records, err
}

// ListBySession returns the newest records for one session key.
func (r *Repository) ListBySession(ctx context.Context, sessionKey string, limit int) ([]*Record, error) {
	limit = clampLimit(limit)
	reader := r.pool.Reader()
	var records []*Record
	err := reader.SelectContext(ctx, &records, reader.Rebind(`
		SELECT * FROM executions WHERE session_key = ? ORDER BY started_at DESC LIMIT ?`),
		sessionKey, limit)
	return records, err
}

// Prune deletes records that started before the cutoff and reports how many
// went away.
func (r *Repository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	writer := r.pool.Writer()
	res, err := writer.ExecContext(ctx, writer.Rebind(`
		DELETE FROM executions WHERE started_at < ?`), olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}
