package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blipee/pulse/pulse/jobs"
)

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()
	noop := HandlerFunc(func(context.Context, *jobs.Job) (json.RawMessage, error) { return nil, nil })

	assert.False(t, r.Has(jobs.JobTypeVariantGeneration))
	r.Register(jobs.JobTypeVariantGeneration, noop)
	r.Register(jobs.JobTypeExperimentCreation, noop)

	assert.True(t, r.Has(jobs.JobTypeVariantGeneration))
	assert.Nil(t, r.Get(jobs.JobTypePatternAnalysis))
	assert.Equal(t, []jobs.JobType{jobs.JobTypeExperimentCreation, jobs.JobTypeVariantGeneration}, r.Types())

	assert.Panics(t, func() { r.Register(jobs.JobTypeVariantGeneration, noop) }, "duplicate")
	assert.Panics(t, func() { r.Register("carbon_offsetting", noop) }, "unknown type")
}

func TestRegisterDevHandlersKeepsExisting(t *testing.T) {
	r := NewHandlerRegistry()
	custom := HandlerFunc(func(context.Context, *jobs.Job) (json.RawMessage, error) { return json.RawMessage(`1`), nil })
	r.Register(jobs.JobTypePatternAnalysis, custom)

	RegisterDevHandlers(r)

	assert.Len(t, r.Types(), len(jobs.JobTypes))
	out, err := r.Get(jobs.JobTypePatternAnalysis).Execute(context.Background(), &jobs.Job{})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`1`), out)
}

func TestEchoHandler(t *testing.T) {
	ctx := context.Background()

	out, err := EchoHandler.Execute(ctx, &jobs.Job{JobType: jobs.JobTypePatternAnalysis, Config: json.RawMessage(`{"org":"acme"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":{"org":"acme"},"job_type":"pattern_analysis","attempt":1}`, string(out))

	_, err = EchoHandler.Execute(ctx, &jobs.Job{Config: json.RawMessage(`{"fail":"requested failure"}`)})
	assert.EqualError(t, err, "requested failure")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	start := time.Now()
	_, err = EchoHandler.Execute(cancelled, &jobs.Job{Config: json.RawMessage(`{"sleep_ms":60000}`)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}
