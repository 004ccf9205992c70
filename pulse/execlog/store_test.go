package execlog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blipee/pulse/db"
	perrors "github.com/blipee/pulse/errors"
	pulsetest "github.com/blipee/pulse/internal/testing"
)

var now = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

// insertJob adds a bare job row so log rows satisfy the foreign key
func insertJob(t *testing.T, database *sql.DB, id string) {
	t.Helper()
	ts := db.FormatTime(now)
	_, err := database.Exec(`
		INSERT INTO jobs (id, job_type, name, schedule_type, status, created_at, updated_at)
		VALUES (?, 'pattern_analysis', 'test', 'once', 'pending', ?, ?)`, id, ts, ts)
	require.NoError(t, err)
}

func setup(t *testing.T) (*Store, *pulsetest.Clock, *sql.DB) {
	t.Helper()
	database := pulsetest.CreateTestDB(t)
	clock := pulsetest.NewClock(now)
	return NewStore(database, db.SQLite).WithClock(clock.Now), clock, database
}

func TestLogAndGetLogs(t *testing.T) {
	ctx := context.Background()
	s, clock, database := setup(t)
	insertJob(t, database, "job-1")
	insertJob(t, database, "job-2")

	require.NoError(t, s.Log(ctx, "job-1", LevelInfo, "started", nil))
	clock.Advance(time.Second)
	require.NoError(t, s.Log(ctx, "job-1", LevelWarn, "slow upstream", map[string]interface{}{"latency_ms": 2300}))
	require.NoError(t, s.Log(ctx, "job-2", LevelError, "other job", nil))
	require.NoError(t, s.Log(ctx, "job-1", LevelDebug, "same instant as previous", nil))

	entries, err := s.GetLogs(ctx, "job-1", "")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "started", entries[0].Message)
	assert.Equal(t, LevelInfo, entries[0].Level)
	assert.True(t, now.Equal(entries[0].LoggedAt))
	assert.Nil(t, entries[0].Details)

	assert.Equal(t, "slow upstream", entries[1].Message)
	assert.JSONEq(t, `{"latency_ms":2300}`, string(entries[1].Details))

	assert.Equal(t, "same instant as previous", entries[2].Message, "ties keep insertion order")
}

func TestGetLogsMinLevel(t *testing.T) {
	ctx := context.Background()
	s, _, database := setup(t)
	insertJob(t, database, "job-1")

	for _, l := range Levels {
		require.NoError(t, s.Log(ctx, "job-1", l, string(l), nil))
	}

	entries, err := s.GetLogs(ctx, "job-1", LevelWarn)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, LevelWarn, entries[0].Level)
	assert.Equal(t, LevelError, entries[1].Level)

	_, err = s.GetLogs(ctx, "job-1", "verbose")
	assert.True(t, perrors.IsValidation(err))
}

func TestGetLogsEmpty(t *testing.T) {
	s, _, _ := setup(t)
	entries, err := s.GetLogs(context.Background(), "nobody", "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogRejectsUnknownLevelAndJob(t *testing.T) {
	ctx := context.Background()
	s, _, database := setup(t)
	insertJob(t, database, "job-1")

	err := s.Log(ctx, "job-1", "fatal", "nope", nil)
	assert.True(t, perrors.IsValidation(err))

	err = s.Log(ctx, "ghost", LevelInfo, "nope", nil)
	assert.True(t, perrors.IsNotFoundError(err))
}

func TestCleanupOldLogs(t *testing.T) {
	ctx := context.Background()
	s, clock, database := setup(t)
	insertJob(t, database, "job-1")

	clock.Set(now.AddDate(0, 0, -31))
	require.NoError(t, s.Log(ctx, "job-1", LevelInfo, "31 days old", nil))
	clock.Set(now.AddDate(0, 0, -1))
	require.NoError(t, s.Log(ctx, "job-1", LevelInfo, "1 day old", nil))
	clock.Set(now)

	deleted, err := s.CleanupOldLogs(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	entries, err := s.GetLogs(ctx, "job-1", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1 day old", entries[0].Message)

	deleted, err = s.CleanupOldLogs(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted, "default retention keeps the 1 day old entry")
}

type failingWriter struct{ calls int }

func (w *failingWriter) Log(context.Context, string, Level, string, map[string]interface{}) error {
	w.calls++
	return perrors.New("disk full")
}

func TestJobLogger(t *testing.T) {
	ctx := context.Background()
	s, _, database := setup(t)
	insertJob(t, database, "job-1")

	jl := NewJobLogger(ctx, s, "job-1", nil)
	jl.Infow("variant scored", "variant", "B", "score", 0.82, "err", perrors.New("partial"))
	jl.Errorw("gave up")

	entries, err := s.GetLogs(ctx, "job-1", "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.JSONEq(t, `{"variant":"B","score":0.82,"err":"partial"}`, string(entries[0].Details))
	assert.Equal(t, LevelError, entries[1].Level)
}

func TestJobLoggerSurvivesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, _, database := setup(t)
	insertJob(t, database, "job-1")

	jl := NewJobLogger(ctx, s, "job-1", nil)
	cancel()
	jl.Warnw("handler cancelled")

	entries, err := s.GetLogs(context.Background(), "job-1", "")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestJobLoggerSwallowsWriteErrors(t *testing.T) {
	w := &failingWriter{}
	jl := NewJobLogger(context.Background(), w, "job-1", nil)
	assert.NotPanics(t, func() { jl.Debugw("x", "dangling") })
	assert.Equal(t, 1, w.calls)
}

func TestFromContext(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() { FromContext(ctx).Infow("discarded") })

	jl := NewJobLogger(ctx, nil, "job-9", nil)
	assert.Same(t, jl, FromContext(WithJobLogger(ctx, jl)))
	assert.Equal(t, "job-9", FromContext(WithJobLogger(ctx, jl)).JobID())
}

func TestDetailsFrom(t *testing.T) {
	assert.Nil(t, detailsFrom(nil))
	assert.Equal(t, map[string]interface{}{"a": 1, "b": nil}, detailsFrom([]interface{}{"a", 1, "b"}))
	assert.Equal(t, map[string]interface{}{"7": "x"}, detailsFrom([]interface{}{7, "x"}))
}
