package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blipee/pulse/db"
	"github.com/blipee/pulse/errors"
	pulsetest "github.com/blipee/pulse/internal/testing"
	"github.com/blipee/pulse/internal/util"
)

// T0 is a Sunday; tests that care about weekdays compute from it
var T0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) (*Store, *pulsetest.Clock) {
	t.Helper()
	clock := pulsetest.NewClock(T0)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewStore(pulsetest.CreateTestDB(t), db.SQLite, opts...), clock
}

func mustCreate(t *testing.T, s *Store, req CreateRequest) *Job {
	t.Helper()
	job, err := s.CreateJob(context.Background(), req)
	require.NoError(t, err)
	return job
}

func onceReq(jt JobType) CreateRequest {
	return CreateRequest{JobType: jt, Name: string(jt), ScheduleType: ScheduleOnce}
}

func TestCreateJob(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	job := mustCreate(t, s, CreateRequest{
		JobType:      JobTypePatternAnalysis,
		Name:         "  Scope 2 anomalies  ",
		ScheduleType: ScheduleOnce,
		Config:       json.RawMessage(`{"org":"acme","window_days":30}`),
		CreatedBy:    "ana@acme.test",
	})

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, "Scope 2 anomalies", job.Name)
	assert.Nil(t, job.NextRunAt, "one-shot jobs are eligible immediately")
	assert.Equal(t, DefaultMaxRetries, job.MaxRetries)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, JobTypePatternAnalysis, got.JobType)
	assert.JSONEq(t, `{"org":"acme","window_days":30}`, string(got.Config))
	assert.Equal(t, "ana@acme.test", got.CreatedBy)
	assert.True(t, T0.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestCreateJobDefaults(t *testing.T) {
	s, _ := newTestStore(t, WithDefaultMaxRetries(5))

	job := mustCreate(t, s, CreateRequest{JobType: JobTypeVariantGeneration, ScheduleType: ScheduleManual})
	assert.Equal(t, "variant_generation", job.Name, "name falls back to the job type")
	assert.JSONEq(t, `{}`, string(job.Config))
	assert.Equal(t, 5, job.MaxRetries)

	job = mustCreate(t, s, CreateRequest{
		JobType:      JobTypeVariantGeneration,
		ScheduleType: ScheduleOnce,
		MaxRetries:   util.Ptr(0),
		NextRunAt:    util.Ptr(T0.Add(time.Hour)),
	})
	assert.Equal(t, 0, job.MaxRetries)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, T0.Add(time.Hour).Equal(*job.NextRunAt))
}

func TestCreateRecurringJobComputesNextRun(t *testing.T) {
	s, _ := newTestStore(t)

	job := mustCreate(t, s, CreateRequest{
		JobType:        JobTypeExperimentMonitoring,
		Name:           "Monday check",
		ScheduleType:   ScheduleRecurring,
		CronExpression: "0 9 * * 1",
	})

	require.NotNil(t, job.NextRunAt)
	// T0 is Sunday noon; next Monday 09:00 is the following day
	assert.Equal(t, time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC), *job.NextRunAt)
}

func TestCreateJobValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"unknown job type", CreateRequest{JobType: "carbon_offsetting", ScheduleType: ScheduleOnce}},
		{"unknown schedule type", CreateRequest{JobType: JobTypePatternAnalysis, ScheduleType: "hourly"}},
		{"recurring without cron", CreateRequest{JobType: JobTypePatternAnalysis, ScheduleType: ScheduleRecurring}},
		{"cron on once job", CreateRequest{JobType: JobTypePatternAnalysis, ScheduleType: ScheduleOnce, CronExpression: "* * * * *"}},
		{"cron on manual job", CreateRequest{JobType: JobTypePatternAnalysis, ScheduleType: ScheduleManual, CronExpression: "* * * * *"}},
		{"unparsable cron", CreateRequest{JobType: JobTypePatternAnalysis, ScheduleType: ScheduleRecurring, CronExpression: "every monday"}},
		{"invalid config", CreateRequest{JobType: JobTypePatternAnalysis, ScheduleType: ScheduleOnce, Config: json.RawMessage(`{"org":`)}},
		{"negative max retries", CreateRequest{JobType: JobTypePatternAnalysis, ScheduleType: ScheduleOnce, MaxRetries: util.Ptr(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := s.CreateJob(ctx, tt.req)
			require.Error(t, err)
			assert.Nil(t, job)
			assert.True(t, errors.IsValidation(err), "got %v", err)
		})
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total(), "rejected requests must not write anything")
}

func TestGetJobNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListJobs(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	a := mustCreate(t, s, onceReq(JobTypePatternAnalysis))
	clock.Advance(time.Second)
	b := mustCreate(t, s, onceReq(JobTypeVariantGeneration))
	clock.Advance(time.Second)
	c := mustCreate(t, s, CreateRequest{
		JobType: JobTypeFullOptimizationCycle, ScheduleType: ScheduleRecurring, CronExpression: "@weekly",
	})

	all, err := s.ListJobs(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, []string{all[0].ID, all[1].ID, all[2].ID}, "newest first")

	byType, err := s.ListJobs(ctx, Filter{JobType: JobTypeVariantGeneration})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, b.ID, byType[0].ID)

	recurring, err := s.ListJobs(ctx, Filter{ScheduleType: ScheduleRecurring})
	require.NoError(t, err)
	require.Len(t, recurring, 1)
	assert.Equal(t, c.ID, recurring[0].ID)

	page, err := s.ListJobs(ctx, Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, b.ID, page[0].ID)

	_, err = s.ListJobs(ctx, Filter{Status: "sleeping"})
	assert.True(t, errors.IsValidation(err))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	mustCreate(t, s, onceReq(JobTypePatternAnalysis))
	mustCreate(t, s, onceReq(JobTypePatternAnalysis))
	victim := mustCreate(t, s, onceReq(JobTypeExperimentCreation))
	_, err := s.CancelJob(ctx, victim.ID)
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[StatusPending])
	assert.Equal(t, 1, stats[StatusCancelled])
	assert.Equal(t, 0, stats[StatusRunning])
	assert.Equal(t, 3, stats.Total())
}

func TestDeleteJob(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	pending := mustCreate(t, s, onceReq(JobTypePatternAnalysis))
	require.NoError(t, s.DeleteJob(ctx, pending.ID))
	_, err := s.GetJob(ctx, pending.ID)
	assert.True(t, errors.IsNotFoundError(err))

	running := mustCreate(t, s, onceReq(JobTypePatternAnalysis))
	claimed, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, running.ID, claimed.ID)

	err = s.DeleteJob(ctx, running.ID)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidTransition(err))

	err = s.DeleteJob(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestDeleteJobCascadesLogs(t *testing.T) {
	ctx := context.Background()
	database := pulsetest.CreateTestDB(t)
	s := NewStore(database, db.SQLite, WithClock(pulsetest.FixedClock(T0)))

	job := mustCreate(t, s, onceReq(JobTypePatternAnalysis))
	_, err := database.Exec(
		`INSERT INTO execution_logs (job_id, level, message, logged_at) VALUES (?, 'info', 'hello', ?)`,
		job.ID, db.FormatTime(T0))
	require.NoError(t, err)

	require.NoError(t, s.DeleteJob(ctx, job.ID))

	var n int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM execution_logs`).Scan(&n))
	assert.Zero(t, n)
}
