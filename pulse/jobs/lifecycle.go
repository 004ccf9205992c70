package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/blipee/pulse/db"
	"github.com/blipee/pulse/errors"
)

// FailureOutcome reports what FailJob did with the job
type FailureOutcome struct {
	Job      *Job          // the job after the transition
	Retrying bool          // true when the job went back to pending
	Delay    time.Duration // backoff applied to next_run_at, zero for immediate retry
}

// CompleteJob marks a running job completed with result. For a recurring job the
// next occurrence is inserted in the same transaction and returned; otherwise
// next is nil.
//
// Completing a job that is not running (e.g. cancelled meanwhile) returns an
// error matching errors.ErrInvalidTransition and changes nothing.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage) (*Job, error) {
	return s.completeJob(ctx, id, "", result)
}

// CompleteClaimedJob is CompleteJob fenced on ownership: it fails with
// ErrInvalidTransition unless the job is still claimed by instanceID. A job
// requeued from a dead instance and claimed elsewhere is left alone.
func (s *Store) CompleteClaimedJob(ctx context.Context, id, instanceID string, result json.RawMessage) (*Job, error) {
	return s.completeJob(ctx, id, instanceID, result)
}

func (s *Store) completeJob(ctx context.Context, id, owner string, result json.RawMessage) (next *Job, err error) {
	if len(result) > 0 && !json.Valid(result) {
		return nil, errors.NewValidationError("result for job %s is not valid JSON", id)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if job.Status != StatusRunning {
			return errors.NewInvalidTransitionError("cannot complete job %s: status is %s, not running", id, job.Status)
		}
		if err := checkOwner(job, owner); err != nil {
			return err
		}

		now := s.Now()
		query := `
			UPDATE jobs
			SET status = ?,
			    completed_at = ?,
			    duration_ms = ?,
			    result = ?,
			    error_message = NULL,
			    updated_at = ?
			WHERE id = ? AND status = ?`
		if err := s.transition(ctx, tx, id, query,
			StatusCompleted,
			db.FormatTime(now),
			durationMS(job.StartedAt, now),
			nullJSON(result),
			db.FormatTime(now),
			id,
			StatusRunning,
		); err != nil {
			return err
		}

		if !job.IsRecurring() {
			return nil
		}

		next, err = s.scheduleNext(ctx, tx, job, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// scheduleNext inserts the follow-up occurrence of a completed recurring job.
// A cron expression that no longer yields an occurrence ends the series.
func (s *Store) scheduleNext(ctx context.Context, q querier, done *Job, now time.Time) (*Job, error) {
	nextRun, err := s.engine.Next(done.CronExpression, now)
	if err != nil {
		s.logger.Errorw("Recurring job not rescheduled",
			"job_id", done.ID,
			"cron", done.CronExpression,
			"error", err,
		)
		return nil, nil
	}

	next := &Job{
		ID:             uuid.NewString(),
		JobType:        done.JobType,
		Name:           done.Name,
		ScheduleType:   done.ScheduleType,
		CronExpression: done.CronExpression,
		NextRunAt:      &nextRun,
		LastRunAt:      done.StartedAt,
		Status:         StatusPending,
		Config:         done.Config,
		MaxRetries:     done.MaxRetries,
		ParentJobID:    done.ID,
		CreatedBy:      done.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if len(next.Config) == 0 {
		next.Config = []byte("{}")
	}

	if err := s.insertJob(ctx, q, next); err != nil {
		return nil, errors.Wrapf(err, "failed to schedule next occurrence of job %s", done.ID)
	}

	s.logger.Infow("Recurring job rescheduled",
		"job_id", done.ID,
		"next_job_id", next.ID,
		"next_run_at", nextRun,
	)
	return next, nil
}

// FailJob records a failed attempt of a running job. While retryCount < maxRetries
// the job returns to pending with retryCount+1 (next_run_at pushed out by the retry
// policy, if it delays); otherwise it becomes failed.
func (s *Store) FailJob(ctx context.Context, id string, errorMessage string) (*FailureOutcome, error) {
	return s.failJob(ctx, id, "", errorMessage)
}

// FailClaimedJob is FailJob fenced on ownership, like CompleteClaimedJob
func (s *Store) FailClaimedJob(ctx context.Context, id, instanceID, errorMessage string) (*FailureOutcome, error) {
	return s.failJob(ctx, id, instanceID, errorMessage)
}

func (s *Store) failJob(ctx context.Context, id, owner, errorMessage string) (*FailureOutcome, error) {
	var outcome FailureOutcome

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if job.Status != StatusRunning {
			return errors.NewInvalidTransitionError("cannot fail job %s: status is %s, not running", id, job.Status)
		}
		if err := checkOwner(job, owner); err != nil {
			return err
		}

		now := s.Now()

		if job.CanRetry() {
			attempt := job.RetryCount + 1
			delay := s.retry.Delay(attempt)
			nextRunAt := db.NullTime(job.NextRunAt)
			if delay > 0 {
				t := now.Add(delay)
				nextRunAt = db.NullTime(&t)
			}

			query := `
				UPDATE jobs
				SET status = ?,
				    retry_count = ?,
				    error_message = ?,
				    next_run_at = ?,
				    started_at = NULL,
				    claimed_by = NULL,
				    updated_at = ?
				WHERE id = ? AND status = ?`
			if err := s.transition(ctx, tx, id, query,
				StatusPending,
				attempt,
				errorMessage,
				nextRunAt,
				db.FormatTime(now),
				id,
				StatusRunning,
			); err != nil {
				return err
			}
			outcome.Retrying = true
			outcome.Delay = delay
		} else {
			query := `
				UPDATE jobs
				SET status = ?,
				    error_message = ?,
				    completed_at = ?,
				    duration_ms = ?,
				    updated_at = ?
				WHERE id = ? AND status = ?`
			if err := s.transition(ctx, tx, id, query,
				StatusFailed,
				errorMessage,
				db.FormatTime(now),
				durationMS(job.StartedAt, now),
				db.FormatTime(now),
				id,
				StatusRunning,
			); err != nil {
				return err
			}
		}

		outcome.Job, err = s.getJob(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// checkOwner rejects an outcome from an instance that no longer holds the claim.
// An empty owner skips the check.
func checkOwner(job *Job, owner string) error {
	if owner == "" || job.ClaimedBy == owner {
		return nil
	}
	return errors.NewInvalidTransitionError("job %s is claimed by %q, not %q", job.ID, job.ClaimedBy, owner)
}

// CancelJob moves a pending or running job to cancelled. A running handler is not
// interrupted here; the dispatcher notices the status and cancels its context.
// Cancelling a completed, failed or already cancelled job is an invalid transition.
func (s *Store) CancelJob(ctx context.Context, id string) (*Job, error) {
	var cancelled *Job

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return errors.NewInvalidTransitionError("cannot cancel job %s: status is already %s", id, job.Status)
		}

		now := s.Now()
		query := `
			UPDATE jobs
			SET status = ?,
			    completed_at = ?,
			    duration_ms = ?,
			    updated_at = ?
			WHERE id = ? AND status = ?`
		if err := s.transition(ctx, tx, id, query,
			StatusCancelled,
			db.FormatTime(now),
			durationMS(job.StartedAt, now),
			db.FormatTime(now),
			id,
			job.Status,
		); err != nil {
			return err
		}

		cancelled, err = s.getJob(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// transition runs a compare-and-set UPDATE and turns "no row matched" into an
// invalid transition error
func (s *Store) transition(ctx context.Context, q querier, id, query string, args ...interface{}) error {
	res, err := q.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", id)
	}
	if n != 1 {
		return errors.NewInvalidTransitionError("job %s changed state concurrently", id)
	}
	return nil
}
