// Package config loads Pulse configuration from TOML files and PULSE_* environment
// variables using viper.
package config

// Config represents the complete Pulse configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" toml:"database" json:"database" yaml:"database"`
	Pulse       PulseConfig       `mapstructure:"pulse" toml:"pulse" json:"pulse" yaml:"pulse"`
	Registry    RegistryConfig    `mapstructure:"registry" toml:"registry" json:"registry" yaml:"registry"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" toml:"maintenance" json:"maintenance" yaml:"maintenance"`
	Server      ServerConfig      `mapstructure:"server" toml:"server" json:"server" yaml:"server"`
	Log         LogConfig         `mapstructure:"log" toml:"log" json:"log" yaml:"log"`
}

// DatabaseConfig selects the job store backend
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" toml:"driver" json:"driver" yaml:"driver"` // sqlite3 or postgres
	DSN    string `mapstructure:"dsn" toml:"dsn" json:"dsn" yaml:"dsn"`
}

// PulseConfig configures the dispatcher
type PulseConfig struct {
	Workers               int `mapstructure:"workers" toml:"workers" json:"workers" yaml:"workers"`
	PollIntervalMS        int `mapstructure:"poll_interval_ms" toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`
	MaxClaimsPerSecond    int `mapstructure:"max_claims_per_second" toml:"max_claims_per_second" json:"max_claims_per_second" yaml:"max_claims_per_second"` // 0 = unlimited
	HandlerTimeoutSeconds int `mapstructure:"handler_timeout_seconds" toml:"handler_timeout_seconds" json:"handler_timeout_seconds" yaml:"handler_timeout_seconds"` // 0 = no timeout
	CancelPollIntervalMS  int `mapstructure:"cancel_poll_interval_ms" toml:"cancel_poll_interval_ms" json:"cancel_poll_interval_ms" yaml:"cancel_poll_interval_ms"`
	DefaultMaxRetries     int `mapstructure:"default_max_retries" toml:"default_max_retries" json:"default_max_retries" yaml:"default_max_retries"`

	// Timezone used to evaluate cron expressions (IANA name)
	Timezone string        `mapstructure:"timezone" toml:"timezone" json:"timezone" yaml:"timezone"`
	Backoff  BackoffConfig `mapstructure:"backoff" toml:"backoff" json:"backoff" yaml:"backoff"`
}

// BackoffConfig selects the retry delay strategy. The default "none" keeps a failed
// job immediately eligible.
type BackoffConfig struct {
	Strategy  string `mapstructure:"strategy" toml:"strategy" json:"strategy" yaml:"strategy"` // none, constant, linear, exponential
	InitialMS int    `mapstructure:"initial_ms" toml:"initial_ms" json:"initial_ms" yaml:"initial_ms"`
	MaxMS     int    `mapstructure:"max_ms" toml:"max_ms" json:"max_ms" yaml:"max_ms"` // 0 = uncapped
}

// RegistryConfig configures this process's service instance row
type RegistryConfig struct {
	InstanceID          string `mapstructure:"instance_id" toml:"instance_id" json:"instance_id" yaml:"instance_id"` // empty = hostname-pid
	Port                int    `mapstructure:"port" toml:"port" json:"port" yaml:"port"`
	HeartbeatIntervalMS int    `mapstructure:"heartbeat_interval_ms" toml:"heartbeat_interval_ms" json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	StaleAfterMS        int    `mapstructure:"stale_after_ms" toml:"stale_after_ms" json:"stale_after_ms" yaml:"stale_after_ms"`
}

// MaintenanceConfig configures the periodic housekeeping ticker
type MaintenanceConfig struct {
	IntervalSeconds     int  `mapstructure:"interval_seconds" toml:"interval_seconds" json:"interval_seconds" yaml:"interval_seconds"` // 0 = disabled
	LogRetentionDays    int  `mapstructure:"log_retention_days" toml:"log_retention_days" json:"log_retention_days" yaml:"log_retention_days"`
	ReapStaleInstances  bool `mapstructure:"reap_stale_instances" toml:"reap_stale_instances" json:"reap_stale_instances" yaml:"reap_stale_instances"`
	RequeueOrphanedJobs bool `mapstructure:"requeue_orphaned_jobs" toml:"requeue_orphaned_jobs" json:"requeue_orphaned_jobs" yaml:"requeue_orphaned_jobs"`
}

// ServerConfig configures the HTTP admin API
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled" json:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" toml:"address" json:"address" yaml:"address"`
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json" json:"json" yaml:"json"`
	Level string `mapstructure:"level" toml:"level" json:"level" yaml:"level"`
}

// Supported database drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Backoff strategies
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)
