package db

import (
	"fmt"

	"github.com/rzp-labs/kernelhost/internal/db/dialect"
)

// Options selects and configures the database backing the pool.
type Options struct {
	// Driver is dialect.SQLite3 or dialect.PGX.
	Driver string
	// Path is the SQLite database file. Ignored for PostgreSQL.
	Path string
	// DSN is the PostgreSQL connection string. Ignored for SQLite.
	DSN string
	// MaxConns caps the PostgreSQL pool. SQLite sizes its sides itself.
	MaxConns int
}

// Open connects to the configured database and returns the connection pool.
func Open(opts Options) (*Pool, error) {
	switch opts.Driver {
	case dialect.SQLite3:
		writer, err := openSQLiteWriter(opts.Path)
		if err != nil {
			return nil, err
		}
		reader, err := openSQLiteReader(opts.Path)
		if err != nil {
			writer.Close()
			return nil, err
		}
		return NewPool(writer, reader), nil
	case dialect.PGX:
		shared, err := openPostgres(opts.DSN, opts.MaxConns)
		if err != nil {
			return nil, err
		}
		return NewPool(shared, shared), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}
