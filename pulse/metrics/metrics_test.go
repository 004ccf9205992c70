package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerFinishedCountsByOutcome(t *testing.T) {
	m := New("test")

	m.JobClaimed("pattern_analysis")
	m.JobClaimed("pattern_analysis")
	m.HandlerFinished("pattern_analysis", OutcomeCompleted, 2*time.Second)
	m.HandlerFinished("pattern_analysis", OutcomeRetrying, time.Second)
	m.HandlerFinished("variant_generation", OutcomeFailed, time.Second)
	m.HandlerFinished("variant_generation", OutcomeCancelled, time.Second)
	m.HandlerFinished("variant_generation", OutcomeDropped, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.claims.WithLabelValues("pattern_analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completions.WithLabelValues("pattern_analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("pattern_analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("variant_generation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cancellations.WithLabelValues("variant_generation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.droppedOutcomes.WithLabelValues("variant_generation")))
	assert.Equal(t, 5, testutil.CollectAndCount(m.handlerDuration))
}

func TestGauges(t *testing.T) {
	m := New("test")

	m.WorkerBusy(1)
	m.WorkerBusy(1)
	m.WorkerBusy(-1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeWorkers))

	m.SetJobCounts(map[string]int{"pending": 4, "running": 1})
	assert.Equal(t, 4.0, testutil.ToFloat64(m.jobsByStatus.WithLabelValues("pending")))
	m.SetJobCounts(map[string]int{"pending": 2})
	assert.Equal(t, 1, testutil.CollectAndCount(m.jobsByStatus), "stale statuses are reset")

	m.LogsPurged(12)
	m.LogsPurged(0)
	assert.Equal(t, 12.0, testutil.ToFloat64(m.logsPurged))

	m.ClaimContended()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.contentions))

	m.HandlerAbandoned("variant_generation")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.abandoned.WithLabelValues("variant_generation")))

	m.InstancesReaped(2)
	m.OrphanRequeued()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.instancesReaped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orphansRequeued))

	m.SetMemoryPercent(42.5)
	assert.Equal(t, 42.5, testutil.ToFloat64(m.memoryPercent))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobClaimed("x")
		m.HandlerFinished("x", OutcomeCompleted, time.Second)
		m.WorkerBusy(1)
		m.SetJobCounts(map[string]int{"pending": 1})
		m.LogsPurged(1)
		m.InstancesReaped(1)
		m.OrphanRequeued()
		m.HandlerAbandoned("x")
		m.ClaimContended()
		m.SetMemoryPercent(1)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New("1.2.3")
	m.JobClaimed("experiment_creation")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `pulse_jobs_claimed_total{job_type="experiment_creation"} 1`)
	assert.Contains(t, string(body), `pulse_build_info{version="1.2.3"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
