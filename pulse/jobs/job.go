// Package jobs is the persisted work queue: job model, store, atomic claim,
// retry bookkeeping and recurrence hand-off.
package jobs

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/blipee/pulse/errors"
)

// JobType identifies the optimization task a job runs. The set is closed.
type JobType string

const (
	JobTypePatternAnalysis       JobType = "pattern_analysis"
	JobTypeVariantGeneration     JobType = "variant_generation"
	JobTypeExperimentCreation    JobType = "experiment_creation"
	JobTypeExperimentMonitoring  JobType = "experiment_monitoring"
	JobTypeFullOptimizationCycle JobType = "full_optimization_cycle"
)

// JobTypes lists every job type in a stable order
var JobTypes = []JobType{
	JobTypePatternAnalysis,
	JobTypeVariantGeneration,
	JobTypeExperimentCreation,
	JobTypeExperimentMonitoring,
	JobTypeFullOptimizationCycle,
}

// IsValid reports whether t is one of the known job types
func (t JobType) IsValid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ScheduleType says how a job gets (re)scheduled
type ScheduleType string

const (
	ScheduleOnce      ScheduleType = "once"
	ScheduleRecurring ScheduleType = "recurring"
	ScheduleManual    ScheduleType = "manual"
)

// IsValid reports whether s is a known schedule type
func (s ScheduleType) IsValid() bool {
	switch s {
	case ScheduleOnce, ScheduleRecurring, ScheduleManual:
		return true
	}
	return false
}

// Status represents the current state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order
var Statuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultMaxRetries applies when neither the request nor the store configures one
const DefaultMaxRetries = 3

// Job is one persisted unit of work.
//
// Invariants kept by the store:
//   - running: StartedAt set, CompletedAt nil
//   - completed, failed, cancelled: CompletedAt set
//   - CronExpression is set exactly when ScheduleType is recurring
type Job struct {
	ID             string          `json:"id"`
	JobType        JobType         `json:"job_type"`
	Name           string          `json:"name"`
	ScheduleType   ScheduleType    `json:"schedule_type"`
	CronExpression string          `json:"cron_expression,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	Status         Status          `json:"status"`
	Config         json.RawMessage `json:"config"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DurationMS     *int64          `json:"duration_ms,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`    // instance that holds the running claim
	ParentJobID    string          `json:"parent_job_id,omitempty"` // previous occurrence of a recurring job
	CreatedBy      string          `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsRecurring reports whether completing the job schedules a follow-up
func (j *Job) IsRecurring() bool {
	return j.ScheduleType == ScheduleRecurring
}

// CanRetry reports whether a failure now would requeue the job
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// CreateRequest describes a job to create
type CreateRequest struct {
	JobType        JobType         `json:"job_type"`
	Name           string          `json:"name"`
	ScheduleType   ScheduleType    `json:"schedule_type"`
	CronExpression string          `json:"cron_expression,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`

	// Optional overrides
	MaxRetries *int       `json:"max_retries,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"` // first run; recurring jobs default to the next cron occurrence
}

// validate checks everything that doesn't need the recurrence engine
func (r *CreateRequest) validate() error {
	if !r.JobType.IsValid() {
		return errors.NewValidationError("unknown job type %q", r.JobType)
	}
	if !r.ScheduleType.IsValid() {
		return errors.NewValidationError("unknown schedule type %q", r.ScheduleType)
	}

	hasCron := strings.TrimSpace(r.CronExpression) != ""
	if r.ScheduleType == ScheduleRecurring && !hasCron {
		return errors.NewValidationError("recurring jobs require a cron expression")
	}
	if r.ScheduleType != ScheduleRecurring && hasCron {
		return errors.NewValidationError("cron expression is only allowed on recurring jobs, got schedule type %q", r.ScheduleType)
	}

	if len(r.Config) > 0 && !json.Valid(r.Config) {
		return errors.NewValidationError("config is not valid JSON")
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return errors.NewValidationError("max_retries must be >= 0, got %d", *r.MaxRetries)
	}
	return nil
}

// Filter narrows ListJobs. Zero fields match everything.
type Filter struct {
	Status       Status
	JobType      JobType
	ScheduleType ScheduleType
	Limit        int // 0 = DefaultListLimit
	Offset       int
}

// DefaultListLimit caps ListJobs when the filter sets no limit
const DefaultListLimit = 100

// Stats counts jobs per status
type Stats map[Status]int

// Total returns the number of jobs across all statuses
func (s Stats) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}
