// Package dialect carries the driver names the database layer is built
// around and the small SQL portability helpers shared by the repositories.
// Placeholder style is handled by sqlx.Rebind; only what Rebind cannot
// cover lives here.
package dialect

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver talks to PostgreSQL.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt renders a flag as 0 or 1 so boolean columns read the same on
// SQLite and PostgreSQL.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
