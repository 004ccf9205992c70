package execlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/blipee/pulse/db"
	"github.com/blipee/pulse/errors"
)

// Store persists execution log entries.
// Rows are only ever inserted, read, or bulk-deleted by CleanupOldLogs.
type Store struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewStore creates a new execution log store
func NewStore(database *sql.DB, dialect db.Dialect) *Store {
	return &Store{db: database, dialect: dialect, now: time.Now}
}

// WithClock replaces time.Now, for tests
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Log appends an entry for jobID. details may be nil.
func (s *Store) Log(ctx context.Context, jobID string, level Level, message string, details map[string]interface{}) error {
	if !level.IsValid() {
		return errors.NewValidationError("unknown log level %q", level)
	}

	var detailsJSON sql.NullString
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal log details for job %s", jobID)
		}
		detailsJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO execution_logs (job_id, level, message, details, logged_at)
		VALUES (?, ?, ?, ?, ?)`),
		jobID, level, message, detailsJSON, db.FormatTime(s.now()),
	)
	if db.IsForeignKeyViolation(err) {
		return errors.NewNotFoundError("job %s not found", jobID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write log for job %s", jobID)
	}
	return nil
}

// GetLogs returns the entries for jobID in the order they were written.
// An empty minLevel returns every level.
func (s *Store) GetLogs(ctx context.Context, jobID string, minLevel Level) ([]Entry, error) {
	query := `SELECT id, job_id, level, message, details, logged_at FROM execution_logs WHERE job_id = ?`
	args := []interface{}{jobID}

	if minLevel != "" {
		levels := minLevel.AtLeast()
		if levels == nil {
			return nil, errors.NewValidationError("unknown log level %q", minLevel)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(levels)), ", ")
		query += ` AND level IN (` + placeholders + `)`
		for _, l := range levels {
			args = append(args, l)
		}
	}
	query += ` ORDER BY logged_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query logs for job %s", jobID)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var details sql.NullString
		var loggedAt string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &details, &loggedAt); err != nil {
			return nil, errors.Wrapf(err, "failed to scan log row for job %s", jobID)
		}
		if details.Valid && details.String != "" {
			e.Details = json.RawMessage(details.String)
		}
		if e.LoggedAt, err = db.ParseTime(loggedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating logs for job %s", jobID)
	}
	return entries, nil
}

// CleanupOldLogs deletes entries logged more than olderThanDays days ago and
// returns how many were removed. olderThanDays <= 0 uses DefaultRetentionDays.
// Safe to run while other processes are appending.
func (s *Store) CleanupOldLogs(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = DefaultRetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -olderThanDays)

	res, err := s.db.ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM execution_logs WHERE logged_at < ?`),
		db.FormatTime(cutoff),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up execution logs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up execution logs")
	}
	return n, nil
}
