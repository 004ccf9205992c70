package jobs

import (
	"context"
	"database/sql"

	"github.com/blipee/pulse/db"
	"github.com/blipee/pulse/errors"
)

// ErrClaimContended is returned by ClaimNextJob when due jobs existed but every
// one of them was being claimed by someone else. Nothing was claimed; callers
// can try again right away.
var ErrClaimContended = errors.New("eligible jobs were claimed concurrently")

// ClaimNextJob atomically reserves the most urgent eligible job for instanceID
// and returns it in the running state. It returns (nil, nil) when nothing is
// eligible and ErrClaimContended when another claimer held every due row.
//
// Eligible: pending and (next_run_at is null or due). Order: COALESCE(next_run_at, now),
// then created_at, then insertion order.
//
// The select and the status change are one UPDATE statement, so two claimers can
// never both see the same row as pending. On postgres the subquery skips rows
// locked by a concurrent claim instead of waiting on them.
func (s *Store) ClaimNextJob(ctx context.Context, instanceID string) (*Job, error) {
	now := db.FormatTime(s.Now())

	query := `
		UPDATE jobs
		SET status = ?,
		    started_at = ?,
		    last_run_at = ?,
		    completed_at = NULL,
		    duration_ms = NULL,
		    claimed_by = ?,
		    updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ?
			  AND (next_run_at IS NULL OR next_run_at <= ?)
			ORDER BY COALESCE(next_run_at, ?) ASC, created_at ASC, seq ASC
			LIMIT 1` + s.dialect.SkipLocked() + `
		)
		AND status = ?
		RETURNING ` + selectColumns()

	job, err := scanJob(s.db.QueryRowContext(ctx, s.q(query),
		StatusRunning,
		now,
		now,
		nullString(instanceID),
		now,
		StatusPending,
		now,
		now,
		StatusPending,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.checkContention(ctx, now)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim job")
	}
	return job, nil
}

// checkContention tells an empty queue apart from a lost race after a claim
// returned no row. Only dialects that skip locked rows can lose one: on sqlite
// the claim statement runs under the database write lock.
func (s *Store) checkContention(ctx context.Context, now string) error {
	if s.dialect.SkipLocked() == "" {
		return nil
	}

	// a plain read does not skip rows locked by an in-flight claim
	var due bool
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE status = ?
			  AND (next_run_at IS NULL OR next_run_at <= ?)
		)`), StatusPending, now).Scan(&due)
	if err != nil {
		return errors.Wrap(err, "failed to check for contended jobs")
	}
	if due {
		return ErrClaimContended
	}
	return nil
}
