package server

import (
	"encoding/json"
	"time"

	"github.com/blipee/pulse/pulse/execlog"
	"github.com/blipee/pulse/pulse/jobs"
	"github.com/blipee/pulse/pulse/registry"
)

const (
	// ShutdownTimeout is how long Shutdown waits for in-flight requests
	ShutdownTimeout = 15 * time.Second

	// maxRequestBodySize limits request bodies to 1 MB
	maxRequestBodySize = 1 << 20
)

// ServerState represents the server lifecycle state
type ServerState int32

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// CreateJobRequest is the body of POST /api/jobs
type CreateJobRequest struct {
	JobType        jobs.JobType      `json:"job_type"`
	Name           string            `json:"name"`
	ScheduleType   jobs.ScheduleType `json:"schedule_type"`
	CronExpression string            `json:"cron_expression,omitempty"`
	Config         json.RawMessage   `json:"config,omitempty"`
	CreatedBy      string            `json:"created_by,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty"`
	NextRunAt      *time.Time        `json:"next_run_at,omitempty"`
}

func (r CreateJobRequest) toStore() jobs.CreateRequest {
	return jobs.CreateRequest{
		JobType:        r.JobType,
		Name:           r.Name,
		ScheduleType:   r.ScheduleType,
		CronExpression: r.CronExpression,
		Config:         r.Config,
		CreatedBy:      r.CreatedBy,
		MaxRetries:     r.MaxRetries,
		NextRunAt:      r.NextRunAt,
	}
}

// ListJobsResponse is the body of GET /api/jobs
type ListJobsResponse struct {
	Jobs  []*jobs.Job `json:"jobs"`
	Count int         `json:"count"`
}

// LogsResponse is the body of GET /api/jobs/{id}/logs
type LogsResponse struct {
	JobID string          `json:"job_id"`
	Logs  []execlog.Entry `json:"logs"`
	Count int             `json:"count"`
}

// InstancesResponse is the body of GET /api/instances
type InstancesResponse struct {
	Instances []*registry.Instance `json:"instances"`
	Count     int                  `json:"count"`
}

// StatsResponse is the body of GET /api/stats
type StatsResponse struct {
	ByStatus jobs.Stats `json:"by_status"`
	Total    int        `json:"total"`
}

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error string   `json:"error"`
	Hints []string `json:"hints,omitempty"`
}
