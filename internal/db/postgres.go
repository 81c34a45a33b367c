package db

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/rzp-labs/kernelhost/internal/db/dialect"
)

// openPostgres opens one pooled connection set through the pgx stdlib driver.
// PostgreSQL handles concurrent writers itself, so the same handle serves
// both sides of the pool.
func openPostgres(dsn string, maxConns int) (*sqlx.DB, error) {
	database, err := sqlx.Open(dialect.PGX, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	database.SetMaxOpenConns(maxConns)
	database.SetMaxIdleConns(min(maxConns, 5))

	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return database, nil
}
