package db

import (
	"strconv"
	"strings"

	"github.com/blipee/pulse/errors"
)

// Dialect captures the SQL differences between the supported backends.
// Queries are written with ? placeholders and passed through Rebind.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// DialectFor maps a database/sql driver name to its dialect
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "postgres", "postgresql":
		return Postgres, nil
	default:
		return SQLite, errors.NewValidationError("unsupported database driver %q", driver)
	}
}

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite3"
}

// DriverName is the name registered with database/sql
func (d Dialect) DriverName() string {
	return d.String()
}

// Rebind rewrites ? placeholders to $1, $2, ... for postgres.
// Question marks inside single-quoted literals are left untouched.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// SkipLocked is appended to a row-selecting subquery so concurrent claimers
// pass over rows another transaction already holds. SQLite serializes writers
// and has no row locks.
func (d Dialect) SkipLocked() string {
	if d == Postgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// ForUpdate locks the selected rows until the transaction ends. SQLite
// transactions opened with _txlock=immediate already hold the write lock.
func (d Dialect) ForUpdate() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}
