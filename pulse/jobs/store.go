package jobs

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blipee/pulse/db"
	"github.com/blipee/pulse/errors"
	"github.com/blipee/pulse/pulse/schedule"
)

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store handles persistence of jobs. It is safe for concurrent use by
// any number of goroutines and processes sharing the database.
type Store struct {
	db                *sql.DB
	dialect           db.Dialect
	engine            *schedule.Engine
	retry             RetryPolicy
	defaultMaxRetries int
	now               func() time.Time
	logger            *zap.SugaredLogger
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRecurrence sets the engine used to validate cron expressions and
// compute the next occurrence of recurring jobs
func WithRecurrence(engine *schedule.Engine) Option {
	return func(s *Store) { s.engine = engine }
}

// WithRetryPolicy sets the backoff applied when a failed job is requeued
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// WithDefaultMaxRetries sets maxRetries for requests that don't specify one
func WithDefaultMaxRetries(n int) Option {
	return func(s *Store) { s.defaultMaxRetries = n }
}

// WithLogger sets the logger for recurrence and seeding events
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a job store over an already migrated database
func NewStore(database *sql.DB, dialect db.Dialect, opts ...Option) *Store {
	s := &Store{
		db:                database,
		dialect:           dialect,
		engine:            schedule.NewEngine(time.UTC),
		retry:             NoBackoff{},
		defaultMaxRetries: DefaultMaxRetries,
		now:               time.Now,
		logger:            zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("pulse.jobs")
	return s
}

// Now reports the store's clock
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

// CreateJob validates req and inserts a pending job.
// Nothing is written when validation fails.
func (s *Store) CreateJob(ctx context.Context, req CreateRequest) (*Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.Now()
	job := &Job{
		ID:             uuid.NewString(),
		JobType:        req.JobType,
		Name:           strings.TrimSpace(req.Name),
		ScheduleType:   req.ScheduleType,
		CronExpression: strings.TrimSpace(req.CronExpression),
		Status:         StatusPending,
		Config:         req.Config,
		MaxRetries:     s.defaultMaxRetries,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if job.Name == "" {
		job.Name = string(job.JobType)
	}
	if len(job.Config) == 0 {
		job.Config = []byte("{}")
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}

	if job.IsRecurring() {
		next, err := s.engine.Next(job.CronExpression, now)
		if err != nil {
			return nil, err
		}
		job.NextRunAt = &next
	}
	if req.NextRunAt != nil {
		t := req.NextRunAt.UTC()
		job.NextRunAt = &t
	}

	if err := s.insertJob(ctx, s.db, job); err != nil {
		return nil, errors.Wrap(err, "failed to create job")
	}
	return job, nil
}

// insertJob writes a fully populated job row
func (s *Store) insertJob(ctx context.Context, q querier, job *Job) error {
	query := `
		INSERT INTO jobs (
			id, job_type, name, schedule_type, cron_expression,
			next_run_at, last_run_at, status, config,
			retry_count, max_retries, parent_job_id, created_by,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.ExecContext(ctx, s.q(query),
		job.ID,
		job.JobType,
		job.Name,
		job.ScheduleType,
		nullString(job.CronExpression),
		db.NullTime(job.NextRunAt),
		db.NullTime(job.LastRunAt),
		job.Status,
		string(job.Config),
		job.RetryCount,
		job.MaxRetries,
		nullString(job.ParentJobID),
		nullString(job.CreatedBy),
		db.FormatTime(job.CreatedAt),
		db.FormatTime(job.UpdatedAt),
	)
	return err
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.getJob(ctx, s.db, id, false)
}

// getJob reads a job, row-locking it on postgres when forUpdate is set
func (s *Store) getJob(ctx context.Context, q querier, id string, forUpdate bool) (*Job, error) {
	query := `SELECT ` + selectColumns() + ` FROM jobs WHERE id = ?`
	if forUpdate {
		query += s.dialect.ForUpdate()
	}

	job, err := scanJob(q.QueryRowContext(ctx, s.q(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// ListJobs returns jobs matching filter, newest first
func (s *Store) ListJobs(ctx context.Context, filter Filter) ([]*Job, error) {
	var where []string
	var args []interface{}

	if filter.Status != "" {
		if !filter.Status.IsValid() {
			return nil, errors.NewValidationError("unknown status %q", filter.Status)
		}
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.JobType != "" {
		if !filter.JobType.IsValid() {
			return nil, errors.NewValidationError("unknown job type %q", filter.JobType)
		}
		where = append(where, "job_type = ?")
		args = append(args, filter.JobType)
	}
	if filter.ScheduleType != "" {
		if !filter.ScheduleType.IsValid() {
			return nil, errors.NewValidationError("unknown schedule type %q", filter.ScheduleType)
		}
		where = append(where, "schedule_type = ?")
		args = append(args, filter.ScheduleType)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + selectColumns() + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return scanJobs(rows, "jobs")
}

// ListRunning returns every running job, oldest claim first
func (s *Store) ListRunning(ctx context.Context) ([]*Job, error) {
	query := `SELECT ` + selectColumns() + ` FROM jobs WHERE status = ? ORDER BY started_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), StatusRunning)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running jobs")
	}
	return scanJobs(rows, "running jobs")
}

// Stats counts jobs per status. Every status is present, zero when absent.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	stats := make(Stats, len(Statuses))
	for _, st := range Statuses {
		stats[st] = 0
	}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		stats[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}
	return stats, nil
}

// DeleteJob removes a job and, by cascade, its execution logs.
// A running job must be cancelled first.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE id = ? AND status <> ?`), id, StatusRunning)
	if err != nil {
		return errors.Wrapf(err, "failed to delete job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return errors.NewInvalidTransitionError("job %s is %s; cancel it before deleting", id, job.Status)
}

// withTx runs fn in a transaction, committing when fn returns nil
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

func durationMS(started *time.Time, end time.Time) sql.NullInt64 {
	if started == nil {
		return sql.NullInt64{}
	}
	d := end.Sub(*started).Milliseconds()
	if d < 0 {
		d = 0
	}
	return sql.NullInt64{Int64: d, Valid: true}
}
