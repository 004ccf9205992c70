package config

import (
	"github.com/spf13/viper"
)

// DefaultDirPermissions is used when creating ~/.pulse
const DefaultDirPermissions = 0o755

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "pulse.db")

	// Dispatcher defaults
	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval_ms", 1000)
	v.SetDefault("pulse.max_claims_per_second", 0)
	v.SetDefault("pulse.handler_timeout_seconds", 1800) // 30 minutes
	v.SetDefault("pulse.cancel_poll_interval_ms", 2000)
	v.SetDefault("pulse.default_max_retries", 3)
	v.SetDefault("pulse.timezone", "UTC")

	// Retry backoff: failed jobs are re-eligible immediately
	v.SetDefault("pulse.backoff.strategy", BackoffNone)
	v.SetDefault("pulse.backoff.initial_ms", 0)
	v.SetDefault("pulse.backoff.max_ms", 0)

	// Registry defaults
	v.SetDefault("registry.instance_id", "")
	v.SetDefault("registry.port", 0)
	v.SetDefault("registry.heartbeat_interval_ms", 10000)
	v.SetDefault("registry.stale_after_ms", 60000)

	// Maintenance defaults
	v.SetDefault("maintenance.interval_seconds", 300)
	v.SetDefault("maintenance.log_retention_days", 30)
	v.SetDefault("maintenance.reap_stale_instances", true)
	v.SetDefault("maintenance.requeue_orphaned_jobs", true)

	// HTTP admin API
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.address", ":8787")

	// Logging
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// BindEnvVars binds keys whose env names don't follow the automatic PULSE_SECTION_KEY form
func BindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.dsn", "PULSE_DATABASE_DSN", "DATABASE_URL")
	_ = v.BindEnv("registry.instance_id", "PULSE_REGISTRY_INSTANCE_ID", "PULSE_INSTANCE_ID")
}
