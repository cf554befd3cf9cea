// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL
// portability in the dispatch archive.
package dialect

import "fmt"

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Like returns the case-insensitive LIKE operator for the driver.
//
//	SQLite:   LIKE (case-insensitive for ASCII by default)
//	Postgres: ILIKE
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// DateOf returns the SQL expression extracting the date portion of a
// timestamp expression.
//
//	SQLite:   date(expr)
//	Postgres: (expr)::date
func DateOf(driver, expr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("(%s)::date", expr)
	}
	return fmt.Sprintf("date(%s)", expr)
}

// NowMinusDays returns the SQL expression for "current time minus N days",
// where daysExpr is a parameter placeholder for the number of days.
//
//	SQLite:   datetime('now', '-' || ? || ' days')
//	Postgres: NOW() - (? || ' days')::interval
func NowMinusDays(driver, daysExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' days')::interval", daysExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' days')", daysExpr)
}
