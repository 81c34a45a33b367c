// Package db opens and pools the database connections behind the history
// repository. SQLite is the default; WAL mode lets the single writer and
// several readers coexist, so the pool keeps two sqlx handles. PostgreSQL
// pools internally and shares one handle for both roles.
package db

import "github.com/jmoiron/sqlx"

// Pool hands out the writer and reader connections for one database.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps the writer and reader handles. Both may be the same *sqlx.DB.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the handle for statements that modify data. On SQLite it
// holds a single connection so writes never contend for the file lock.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for queries. On SQLite these are read-only
// connections running against WAL snapshots alongside the writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName reports which database/sql driver the pool was opened with.
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close releases both handles, tolerating the shared-handle case.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader == p.writer {
		return err
	}
	if rerr := p.reader.Close(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
