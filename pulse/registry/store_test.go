package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blipee/pulse/db"
	"github.com/blipee/pulse/errors"
	pulsetest "github.com/blipee/pulse/internal/testing"
)

var T0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *pulsetest.Clock) {
	t.Helper()
	clock := pulsetest.NewClock(T0)
	return NewStore(pulsetest.CreateTestDB(t), db.SQLite).WithClock(clock.Now), clock
}

func req(id string) RegisterRequest {
	return RegisterRequest{
		InstanceID:        id,
		Hostname:          "worker-host",
		PID:               4242,
		Port:              8080,
		HeartbeatInterval: 30 * time.Second,
	}
}

func TestRegister(t *testing.T) {
	s, _ := newTestStore(t)

	inst, err := s.Register(context.Background(), req("pulse-a"))
	require.NoError(t, err)

	assert.Equal(t, "pulse-a", inst.InstanceID)
	assert.Equal(t, StatusRunning, inst.Status)
	assert.Equal(t, 4242, inst.PID)
	assert.Equal(t, "worker-host", inst.Hostname)
	assert.Equal(t, 8080, inst.Port)
	assert.Equal(t, int64(30000), inst.HealthCheckIntervalMS)
	assert.True(t, T0.Equal(inst.StartedAt))
	require.NotNil(t, inst.LastHeartbeat)
	assert.True(t, T0.Equal(*inst.LastHeartbeat))
	assert.Nil(t, inst.StoppedAt)
}

func TestRegisterRequiresInstanceID(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Register(context.Background(), req(""))
	assert.True(t, errors.IsValidation(err))
}

func TestRegisterRejectsSecondLiveInstance(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Register(ctx, req("pulse-a"))
	require.NoError(t, err)

	_, err = s.Register(ctx, req("pulse-a"))
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err), "got %v", err)

	live, err := s.ListInstances(ctx, true)
	require.NoError(t, err)
	assert.Len(t, live, 1, "the rejected registration wrote nothing")

	_, err = s.Register(ctx, req("pulse-b"))
	assert.NoError(t, err, "other ids are unaffected")
}

func TestRegisterAfterStop(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	_, err := s.Register(ctx, req("pulse-a"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, s.Stop(ctx, "pulse-a"))

	again, err := s.Register(ctx, req("pulse-a"))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, again.Status)

	all, err := s.ListInstances(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, again.ID, all[0].ID, "newest first")
	assert.Equal(t, StatusStopped, all[1].Status)
	require.NotNil(t, all[1].StoppedAt)
	assert.True(t, T0.Add(time.Minute).Equal(*all[1].StoppedAt))
}

func TestStopWithoutLiveRegistration(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Stop(context.Background(), "ghost")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	_, err := s.Register(ctx, req("pulse-a"))
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, "pulse-a", HeartbeatStats{JobsCompleted: 7, JobsFailed: 2, UptimeMS: 30000}))

	inst, err := s.GetLive(ctx, "pulse-a")
	require.NoError(t, err)
	require.NotNil(t, inst.LastHeartbeat)
	assert.True(t, T0.Add(30*time.Second).Equal(*inst.LastHeartbeat))
	assert.Equal(t, int64(7), inst.JobsCompleted)
	assert.Equal(t, int64(2), inst.JobsFailed)
	assert.Equal(t, int64(30000), inst.UptimeMS)

	require.NoError(t, s.Stop(ctx, "pulse-a"))
	err = s.Heartbeat(ctx, "pulse-a", HeartbeatStats{})
	assert.True(t, errors.IsNotFoundError(err), "stopped rows take no heartbeats")
}

func TestMarkError(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Register(ctx, req("pulse-a"))
	require.NoError(t, err)
	require.NoError(t, s.MarkError(ctx, "pulse-a", "database unreachable"))

	all, err := s.ListInstances(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, StatusError, all[0].Status)
	assert.Equal(t, "database unreachable", all[0].ErrorMessage)

	_, err = s.GetLive(ctx, "pulse-a")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestReapStaleAndLiveInstanceIDs(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	_, err := s.Register(ctx, req("pulse-old"))
	require.NoError(t, err)

	clock.Advance(90 * time.Second)
	_, err = s.Register(ctx, req("pulse-fresh"))
	require.NoError(t, err)

	live, err := s.LiveInstanceIDs(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"pulse-fresh": true}, live)

	reaped, err := s.ReapStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"pulse-old"}, reaped)

	all, err := s.ListInstances(ctx, false)
	require.NoError(t, err)
	statuses := map[string]Status{}
	for _, inst := range all {
		statuses[inst.InstanceID] = inst.Status
		if inst.InstanceID == "pulse-old" {
			assert.Equal(t, "heartbeat expired", inst.ErrorMessage)
		}
	}
	assert.Equal(t, StatusError, statuses["pulse-old"])
	assert.Equal(t, StatusRunning, statuses["pulse-fresh"])

	// the reaped id is free again
	_, err = s.Register(ctx, req("pulse-old"))
	assert.NoError(t, err)

	reaped, err = s.ReapStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, reaped)
}

func TestHeartbeaterDetectsLostRegistration(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Register(ctx, req("pulse-a"))
	require.NoError(t, err)

	completed := int64(0)
	h := NewHeartbeater(s, "pulse-a", time.Hour, func() HeartbeatStats {
		completed++
		return HeartbeatStats{JobsCompleted: completed}
	}, nil)

	h.Beat(ctx)
	assert.False(t, h.Lost())
	inst, err := s.GetLive(ctx, "pulse-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), inst.JobsCompleted)

	require.NoError(t, s.MarkError(ctx, "pulse-a", "reaped"))
	h.Beat(ctx)
	assert.True(t, h.Lost())
}

func TestHeartbeaterLoop(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.Register(ctx, req("pulse-a"))
	require.NoError(t, err)

	beats := make(chan struct{}, 16)
	h := NewHeartbeater(s, "pulse-a", 10*time.Millisecond, func() HeartbeatStats {
		select {
		case beats <- struct{}{}:
		default:
		}
		return HeartbeatStats{UptimeMS: 10}
	}, nil)
	h.Start(ctx)

	// the second stats call happens after the first heartbeat was written
	for i := 0; i < 2; i++ {
		select {
		case <-beats:
		case <-time.After(2 * time.Second):
			t.Fatal("no heartbeat sent")
		}
	}
	h.Stop()

	inst, err := s.GetLive(ctx, "pulse-a")
	require.NoError(t, err)
	assert.Equal(t, int64(10), inst.UptimeMS)
}

func TestDefaultInstanceID(t *testing.T) {
	assert.Equal(t, "pulse-box-17", DefaultInstanceID("box", 17))
	assert.NotEmpty(t, Hostname(context.Background()))
}
