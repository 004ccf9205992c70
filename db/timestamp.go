package db

import (
	"database/sql"
	"time"

	"github.com/blipee/pulse/errors"
)

// TimeLayout is the fixed-width UTC text form used for every timestamp column.
// Fixed width keeps string comparison in SQL equal to chronological order on both backends.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// NullTime renders an optional timestamp for a nullable column
func NullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// ParseTime parses a TimeLayout string, accepting RFC3339 for hand-written rows
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	t, err = time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid timestamp %q", s)
	}
	return t.UTC(), nil
}

// ParseNullTime parses a nullable timestamp column
func ParseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
