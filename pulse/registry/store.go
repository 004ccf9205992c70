package registry

import (
	"context"
	"database/sql"
	"time"

	"github.com/blipee/pulse/db"
	"github.com/blipee/pulse/errors"
)

// Store handles persistence of service instances
type Store struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewStore creates a new registry store
func NewStore(database *sql.DB, dialect db.Dialect) *Store {
	return &Store{db: database, dialect: dialect, now: time.Now}
}

// WithClock replaces time.Now, for tests
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

const instanceColumns = `id, instance_id, status, pid, hostname, port, last_heartbeat,
	health_check_interval_ms, jobs_completed, jobs_failed, uptime_ms,
	started_at, stopped_at, error_message`

// Register inserts a starting row for req.InstanceID and moves it to running.
// If another live row already holds the id the call fails with a conflict error
// and nothing is written.
func (s *Store) Register(ctx context.Context, req RegisterRequest) (*Instance, error) {
	if req.InstanceID == "" {
		return nil, errors.NewValidationError("instance id is required")
	}

	now := db.FormatTime(s.now())
	var id int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		INSERT INTO service_instances (
			instance_id, status, pid, hostname, port, last_heartbeat,
			health_check_interval_ms, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		req.InstanceID,
		StatusStarting,
		req.PID,
		req.Hostname,
		req.Port,
		now,
		req.HeartbeatInterval.Milliseconds(),
		now,
	).Scan(&id)
	if db.IsUniqueViolation(err) {
		return nil, errors.WithHint(
			errors.NewConflictError("instance %s is already registered and live", req.InstanceID),
			"Stop the other process or wait for its heartbeat to expire")
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to register instance %s", req.InstanceID)
	}

	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE service_instances SET status = ? WHERE id = ? AND status = ?`),
		StatusRunning, id, StatusStarting,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mark instance %s running", req.InstanceID)
	}

	return s.getByRowID(ctx, id)
}

// Heartbeat refreshes last_heartbeat and the reported counters of the live row.
// It fails with a not-found error when the instance has no live row, e.g. after
// it was reaped as stale.
func (s *Store) Heartbeat(ctx context.Context, instanceID string, stats HeartbeatStats) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE service_instances
		SET last_heartbeat = ?,
		    jobs_completed = ?,
		    jobs_failed = ?,
		    uptime_ms = ?
		WHERE instance_id = ? AND status IN `+liveStatuses),
		db.FormatTime(s.now()),
		stats.JobsCompleted,
		stats.JobsFailed,
		stats.UptimeMS,
		instanceID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record heartbeat for %s", instanceID)
	}
	return requireOneRow(res, instanceID)
}

// Stop marks the live row stopped and records stopped_at
func (s *Store) Stop(ctx context.Context, instanceID string) error {
	return s.finish(ctx, instanceID, StatusStopped, "")
}

// MarkError moves the live row to error with message
func (s *Store) MarkError(ctx context.Context, instanceID, message string) error {
	return s.finish(ctx, instanceID, StatusError, message)
}

func (s *Store) finish(ctx context.Context, instanceID string, status Status, message string) error {
	var msg sql.NullString
	if message != "" {
		msg = sql.NullString{String: message, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE service_instances
		SET status = ?, stopped_at = ?, error_message = COALESCE(?, error_message)
		WHERE instance_id = ? AND status IN `+liveStatuses),
		status, db.FormatTime(s.now()), msg, instanceID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark instance %s %s", instanceID, status)
	}
	return requireOneRow(res, instanceID)
}

// ReapStale moves live rows whose last heartbeat is older than staleAfter to
// error, freeing their instance ids. Returns the reaped instance ids.
func (s *Store) ReapStale(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	now := s.now()
	cutoff := db.FormatTime(now.Add(-staleAfter))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin reap transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.dialect.Rebind(`
		SELECT instance_id FROM service_instances
		WHERE status IN `+liveStatuses+` AND (last_heartbeat IS NULL OR last_heartbeat < ?)`+s.dialect.ForUpdate()),
		cutoff,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find stale instances")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan stale instance")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating stale instances")
	}

	if len(ids) > 0 {
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE service_instances
			SET status = ?, stopped_at = ?, error_message = ?
			WHERE status IN `+liveStatuses+` AND (last_heartbeat IS NULL OR last_heartbeat < ?)`),
			StatusError, db.FormatTime(now), "heartbeat expired", cutoff,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to reap stale instances")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit reap")
	}
	return ids, nil
}

// LiveInstanceIDs returns the ids of live instances that heartbeated within staleAfter
func (s *Store) LiveInstanceIDs(ctx context.Context, staleAfter time.Duration) (map[string]bool, error) {
	cutoff := db.FormatTime(s.now().Add(-staleAfter))

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT instance_id FROM service_instances
		WHERE status IN `+liveStatuses+` AND last_heartbeat >= ?`),
		cutoff,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list live instances")
	}
	defer rows.Close()

	live := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan live instance")
		}
		live[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating live instances")
	}
	return live, nil
}

// ListInstances returns registrations, newest first. liveOnly drops history rows.
func (s *Store) ListInstances(ctx context.Context, liveOnly bool) ([]*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM service_instances`
	if liveOnly {
		query += ` WHERE status IN ` + liveStatuses
	}
	query += ` ORDER BY started_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list instances")
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating instances")
	}
	return out, nil
}

// GetLive returns the live row for instanceID
func (s *Store) GetLive(ctx context.Context, instanceID string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT `+instanceColumns+` FROM service_instances WHERE instance_id = ? AND status IN `+liveStatuses),
		instanceID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("instance %s has no live registration", instanceID)
	}
	return inst, err
}

func (s *Store) getByRowID(ctx context.Context, id int64) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT `+instanceColumns+` FROM service_instances WHERE id = ?`), id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("instance row %d not found", id)
	}
	return inst, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var lastHeartbeat, stoppedAt, errMsg sql.NullString
	var startedAt string

	err := row.Scan(
		&inst.ID,
		&inst.InstanceID,
		&inst.Status,
		&inst.PID,
		&inst.Hostname,
		&inst.Port,
		&lastHeartbeat,
		&inst.HealthCheckIntervalMS,
		&inst.JobsCompleted,
		&inst.JobsFailed,
		&inst.UptimeMS,
		&startedAt,
		&stoppedAt,
		&errMsg,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan instance")
	}

	inst.ErrorMessage = errMsg.String
	if inst.LastHeartbeat, err = db.ParseNullTime(lastHeartbeat); err != nil {
		return nil, err
	}
	if inst.StoppedAt, err = db.ParseNullTime(stoppedAt); err != nil {
		return nil, err
	}
	if inst.StartedAt, err = db.ParseTime(startedAt); err != nil {
		return nil, err
	}
	return &inst, nil
}

func requireOneRow(res sql.Result, instanceID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to update instance %s", instanceID)
	}
	if n == 0 {
		return errors.NewNotFoundError("instance %s has no live registration", instanceID)
	}
	return nil
}
