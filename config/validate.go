package config

import (
	"time"

	"github.com/blipee/pulse/errors"
)

// Validate checks that the configuration is usable.
// Zero means "off" where a knob has an off state; negative values are always invalid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return errors.Newf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn cannot be empty")
	}

	// Pulse workers: 0 = claim nothing (API-only node), negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalMS <= 0 {
		return errors.Newf("pulse.poll_interval_ms must be > 0, got %d", c.Pulse.PollIntervalMS)
	}
	if c.Pulse.MaxClaimsPerSecond < 0 {
		return errors.Newf("pulse.max_claims_per_second must be >= 0, got %d", c.Pulse.MaxClaimsPerSecond)
	}
	if c.Pulse.HandlerTimeoutSeconds < 0 {
		return errors.Newf("pulse.handler_timeout_seconds must be >= 0, got %d", c.Pulse.HandlerTimeoutSeconds)
	}
	if c.Pulse.CancelPollIntervalMS < 0 {
		return errors.Newf("pulse.cancel_poll_interval_ms must be >= 0, got %d", c.Pulse.CancelPollIntervalMS)
	}
	if c.Pulse.DefaultMaxRetries < 0 {
		return errors.Newf("pulse.default_max_retries must be >= 0, got %d", c.Pulse.DefaultMaxRetries)
	}
	if _, err := c.Pulse.Location(); err != nil {
		return err
	}

	switch c.Pulse.Backoff.Strategy {
	case BackoffNone, "":
	case BackoffConstant, BackoffLinear, BackoffExponential:
		if c.Pulse.Backoff.InitialMS <= 0 {
			return errors.Newf("pulse.backoff.initial_ms must be > 0 for strategy %q", c.Pulse.Backoff.Strategy)
		}
	default:
		return errors.Newf("pulse.backoff.strategy must be one of none, constant, linear, exponential; got %q", c.Pulse.Backoff.Strategy)
	}
	if c.Pulse.Backoff.MaxMS < 0 {
		return errors.Newf("pulse.backoff.max_ms must be >= 0, got %d", c.Pulse.Backoff.MaxMS)
	}

	if c.Registry.Port < 0 || c.Registry.Port > 65535 {
		return errors.Newf("registry.port must be in [0, 65535], got %d", c.Registry.Port)
	}
	if c.Registry.HeartbeatIntervalMS <= 0 {
		return errors.Newf("registry.heartbeat_interval_ms must be > 0, got %d", c.Registry.HeartbeatIntervalMS)
	}
	if c.Registry.StaleAfterMS <= c.Registry.HeartbeatIntervalMS {
		return errors.Newf("registry.stale_after_ms (%d) must exceed registry.heartbeat_interval_ms (%d)",
			c.Registry.StaleAfterMS, c.Registry.HeartbeatIntervalMS)
	}

	if c.Maintenance.IntervalSeconds < 0 {
		return errors.Newf("maintenance.interval_seconds must be >= 0, got %d", c.Maintenance.IntervalSeconds)
	}
	if c.Maintenance.LogRetentionDays < 0 {
		return errors.Newf("maintenance.log_retention_days must be >= 0, got %d", c.Maintenance.LogRetentionDays)
	}

	if c.Server.Enabled && c.Server.Address == "" {
		return errors.New("server.address cannot be empty when server is enabled")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	return nil
}

// Location resolves the recurrence timezone. Empty means UTC.
func (p PulseConfig) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "pulse.timezone %q is not a valid IANA zone", p.Timezone)
	}
	return loc, nil
}

// Durations derived from the millisecond/second knobs.

// PollInterval is the dispatcher sleep when no job is eligible
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

func (p PulseConfig) HandlerTimeout() time.Duration {
	return time.Duration(p.HandlerTimeoutSeconds) * time.Second
}

func (p PulseConfig) CancelPollInterval() time.Duration {
	return time.Duration(p.CancelPollIntervalMS) * time.Millisecond
}

func (r RegistryConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalMS) * time.Millisecond
}

func (r RegistryConfig) StaleAfter() time.Duration {
	return time.Duration(r.StaleAfterMS) * time.Millisecond
}

func (m MaintenanceConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}
