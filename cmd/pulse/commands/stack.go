package commands

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/blipee/pulse/config"
	"github.com/blipee/pulse/db"
	"github.com/blipee/pulse/errors"
	"github.com/blipee/pulse/pulse/execlog"
	"github.com/blipee/pulse/pulse/jobs"
	"github.com/blipee/pulse/pulse/registry"
	"github.com/blipee/pulse/pulse/schedule"
)

// ConfigPath is set by the root --config flag. Empty means the usual lookup
// (/etc/pulse, ~/.pulse, pulse.toml upwards from the working directory, PULSE_* env).
var ConfigPath string

// LoadConfig loads and validates the configuration for a command
func LoadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if ConfigPath != "" {
		cfg, err = config.LoadFromFile(ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "invalid configuration"), "Run 'pulse config show' to inspect the effective settings")
	}
	return cfg, nil
}

// stack is the set of stores every command works against
type stack struct {
	cfg      *config.Config
	db       *sql.DB
	dialect  db.Dialect
	jobs     *jobs.Store
	logs     *execlog.Store
	registry *registry.Store
	engine   *schedule.Engine
}

// openStack opens and migrates the configured database and builds the stores.
// log receives database and store logs; nil keeps CLI output clean.
func openStack(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*stack, error) {
	dialect, err := db.DialectFor(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Pulse.Location()
	if err != nil {
		return nil, err
	}

	policy, err := jobs.NewRetryPolicy(
		cfg.Pulse.Backoff.Strategy,
		time.Duration(cfg.Pulse.Backoff.InitialMS)*time.Millisecond,
		time.Duration(cfg.Pulse.Backoff.MaxMS)*time.Millisecond,
	)
	if err != nil {
		return nil, err
	}

	database, err := db.OpenWithMigrations(ctx, cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", dialect)
	}

	engine := schedule.NewEngine(loc)
	opts := []jobs.Option{
		jobs.WithRecurrence(engine),
		jobs.WithRetryPolicy(policy),
		jobs.WithDefaultMaxRetries(cfg.Pulse.DefaultMaxRetries),
	}
	if log != nil {
		opts = append(opts, jobs.WithLogger(log))
	}

	return &stack{
		cfg:      cfg,
		db:       database,
		dialect:  dialect,
		jobs:     jobs.NewStore(database, dialect, opts...),
		logs:     execlog.NewStore(database, dialect),
		registry: registry.NewStore(database, dialect),
		engine:   engine,
	}, nil
}

// loadStack loads the configuration and opens the stores quietly
func loadStack(ctx context.Context) (*stack, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return openStack(ctx, cfg, nil)
}

// upcoming lists the occurrences of a recurring job after its pending run.
// Errors are swallowed: a display aid must not fail the status command.
func (s *stack) upcoming(job *jobs.Job) []time.Time {
	if job.ScheduleType != jobs.ScheduleRecurring || job.NextRunAt == nil || job.Status.IsTerminal() {
		return nil
	}
	times, err := s.engine.Upcoming(job.CronExpression, *job.NextRunAt, upcomingRuns)
	if err != nil {
		return nil
	}
	return times
}

func (s *stack) Close() error {
	return s.db.Close()
}
