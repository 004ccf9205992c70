package jobs

import (
	"context"
	"time"

	"github.com/blipee/pulse/db"
	"github.com/blipee/pulse/errors"
)

// Seed job defaults. The fixed id is what makes seeding idempotent.
const (
	SeedJobID     = "seed-full-optimization-cycle"
	SeedJobName   = "Weekly full optimization cycle"
	SeedJobCron   = "0 2 * * 0" // Sundays 02:00
	SeedCreatedBy = "system"
	seedFirstRun  = 7 * 24 * time.Hour
)

// EnsureSeedJob creates the recurring full_optimization_cycle job with its first
// run one week from now. Calling it again, from any process, is a no-op.
// Reports whether this call created the row.
func (s *Store) EnsureSeedJob(ctx context.Context) (bool, error) {
	now := s.Now()
	firstRun := now.Add(seedFirstRun)

	query := `
		INSERT INTO jobs (
			id, job_type, name, schedule_type, cron_expression,
			next_run_at, status, config, retry_count, max_retries,
			created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, s.q(query),
		SeedJobID,
		JobTypeFullOptimizationCycle,
		SeedJobName,
		ScheduleRecurring,
		SeedJobCron,
		db.FormatTime(firstRun),
		StatusPending,
		"{}",
		s.defaultMaxRetries,
		SeedCreatedBy,
		db.FormatTime(now),
		db.FormatTime(now),
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to seed full optimization cycle job")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to seed full optimization cycle job")
	}
	if n > 0 {
		s.logger.Infow("Seeded recurring job",
			"job_id", SeedJobID,
			"job_type", JobTypeFullOptimizationCycle,
			"next_run_at", firstRun,
		)
	}
	return n > 0, nil
}
