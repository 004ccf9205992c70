package jobs

import (
	"database/sql"
	"strings"

	"github.com/blipee/pulse/db"
	"github.com/blipee/pulse/errors"
)

// jobColumns is the column order every job SELECT and RETURNING clause uses
var jobColumns = []string{
	"id", "job_type", "name", "schedule_type", "cron_expression",
	"next_run_at", "last_run_at", "status", "config",
	"started_at", "completed_at", "duration_ms", "result", "error_message",
	"retry_count", "max_retries", "claimed_by", "parent_job_id", "created_by",
	"created_at", "updated_at",
}

// selectColumns returns the job columns for SELECT/RETURNING
func selectColumns() string {
	return strings.Join(jobColumns, ", ")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// jobScanArgs holds the nullable intermediates for one job row
type jobScanArgs struct {
	CronExpression sql.NullString
	NextRunAt      sql.NullString
	LastRunAt      sql.NullString
	Config         sql.NullString
	StartedAt      sql.NullString
	CompletedAt    sql.NullString
	DurationMS     sql.NullInt64
	Result         sql.NullString
	ErrorMessage   sql.NullString
	ClaimedBy      sql.NullString
	ParentJobID    sql.NullString
	CreatedBy      sql.NullString
	CreatedAt      string
	UpdatedAt      string
}

func (a *jobScanArgs) targets(job *Job) []interface{} {
	return []interface{}{
		&job.ID,
		&job.JobType,
		&job.Name,
		&job.ScheduleType,
		&a.CronExpression,
		&a.NextRunAt,
		&a.LastRunAt,
		&job.Status,
		&a.Config,
		&a.StartedAt,
		&a.CompletedAt,
		&a.DurationMS,
		&a.Result,
		&a.ErrorMessage,
		&job.RetryCount,
		&job.MaxRetries,
		&a.ClaimedBy,
		&a.ParentJobID,
		&a.CreatedBy,
		&a.CreatedAt,
		&a.UpdatedAt,
	}
}

// apply copies the scanned intermediates into job
func (a *jobScanArgs) apply(job *Job) error {
	job.CronExpression = a.CronExpression.String
	job.ErrorMessage = a.ErrorMessage.String
	job.ClaimedBy = a.ClaimedBy.String
	job.ParentJobID = a.ParentJobID.String
	job.CreatedBy = a.CreatedBy.String

	if a.Config.Valid && a.Config.String != "" {
		job.Config = []byte(a.Config.String)
	}
	if a.Result.Valid && a.Result.String != "" {
		job.Result = []byte(a.Result.String)
	}
	if a.DurationMS.Valid {
		d := a.DurationMS.Int64
		job.DurationMS = &d
	}

	var err error
	if job.NextRunAt, err = db.ParseNullTime(a.NextRunAt); err != nil {
		return errors.Wrapf(err, "job %s next_run_at", job.ID)
	}
	if job.LastRunAt, err = db.ParseNullTime(a.LastRunAt); err != nil {
		return errors.Wrapf(err, "job %s last_run_at", job.ID)
	}
	if job.StartedAt, err = db.ParseNullTime(a.StartedAt); err != nil {
		return errors.Wrapf(err, "job %s started_at", job.ID)
	}
	if job.CompletedAt, err = db.ParseNullTime(a.CompletedAt); err != nil {
		return errors.Wrapf(err, "job %s completed_at", job.ID)
	}
	if job.CreatedAt, err = db.ParseTime(a.CreatedAt); err != nil {
		return errors.Wrapf(err, "job %s created_at", job.ID)
	}
	if job.UpdatedAt, err = db.ParseTime(a.UpdatedAt); err != nil {
		return errors.Wrapf(err, "job %s updated_at", job.ID)
	}
	return nil
}

// scanJob reads one job row
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs
	if err := row.Scan(args.targets(&job)...); err != nil {
		return nil, err
	}
	if err := args.apply(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

// scanJobs reads every row, closing rows when done
func scanJobs(rows *sql.Rows, what string) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", what)
	}
	return jobs, nil
}
