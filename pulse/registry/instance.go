// Package registry tracks live orchestrator processes in the service_instances
// table: registration, heartbeats, shutdown and stale-instance reaping.
package registry

import "time"

// Status is the lifecycle state of a service instance row
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// IsLive reports whether a row in this state holds its instance id
func (s Status) IsLive() bool {
	return s == StatusStarting || s == StatusRunning
}

// liveStatuses is the SQL list matching the partial unique index
const liveStatuses = "('starting', 'running')"

// Instance is one registration of an orchestrator process.
// At most one row per InstanceID is live at a time; stopped and errored rows are history.
type Instance struct {
	ID                    int64      `json:"id"`
	InstanceID            string     `json:"instance_id"`
	Status                Status     `json:"status"`
	PID                   int        `json:"pid"`
	Hostname              string     `json:"hostname"`
	Port                  int        `json:"port"`
	LastHeartbeat         *time.Time `json:"last_heartbeat,omitempty"`
	HealthCheckIntervalMS int64      `json:"health_check_interval_ms"`
	JobsCompleted         int64      `json:"jobs_completed"`
	JobsFailed            int64      `json:"jobs_failed"`
	UptimeMS              int64      `json:"uptime_ms"`
	StartedAt             time.Time  `json:"started_at"`
	StoppedAt             *time.Time `json:"stopped_at,omitempty"`
	ErrorMessage          string     `json:"error_message,omitempty"`
}

// RegisterRequest identifies the process being registered
type RegisterRequest struct {
	InstanceID        string
	Hostname          string
	PID               int
	Port              int
	HeartbeatInterval time.Duration
}

// HeartbeatStats are the counters an instance reports with each heartbeat
type HeartbeatStats struct {
	JobsCompleted int64
	JobsFailed    int64
	UptimeMS      int64
}
