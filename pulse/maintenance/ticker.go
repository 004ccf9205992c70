// Package maintenance runs the periodic housekeeping of an orchestrator
// instance: execution log retention, stale instance reaping, requeueing of
// jobs orphaned by dead instances, and store/host gauges.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blipee/pulse/errors"
	"github.com/blipee/pulse/logger"
	"github.com/blipee/pulse/pulse/execlog"
	"github.com/blipee/pulse/pulse/jobs"
	"github.com/blipee/pulse/pulse/metrics"
	"github.com/blipee/pulse/pulse/registry"
)

// Config controls what a tick does
type Config struct {
	Interval            time.Duration // how often to run (default: 5 minutes)
	LogRetentionDays    int           // execution logs older than this are removed (default: 30)
	StaleAfter          time.Duration // heartbeat age after which an instance is dead
	ReapStaleInstances  bool
	RequeueOrphanedJobs bool
	SampleHost          bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:            5 * time.Minute,
		LogRetentionDays:    execlog.DefaultRetentionDays,
		StaleAfter:          time.Minute,
		ReapStaleInstances:  true,
		RequeueOrphanedJobs: true,
		SampleHost:          true,
	}
}

// Report summarises one tick
type Report struct {
	LogsPurged      int64
	InstancesReaped []string
	OrphansRequeued []string
	JobCounts       jobs.Stats
}

// Ticker runs maintenance at a fixed interval
type Ticker struct {
	jobs     *jobs.Store
	logs     *execlog.Store
	registry *registry.Store
	metrics  *metrics.Metrics
	cfg      Config
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// NewTicker creates a maintenance ticker; m may be nil
func NewTicker(jobStore *jobs.Store, logStore *execlog.Store, reg *registry.Store, m *metrics.Metrics, cfg Config, log *zap.SugaredLogger) *Ticker {
	if log == nil {
		log = logger.Logger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.LogRetentionDays <= 0 {
		cfg.LogRetentionDays = execlog.DefaultRetentionDays
	}
	return &Ticker{
		jobs:     jobStore,
		logs:     logStore,
		registry: reg,
		metrics:  m,
		cfg:      cfg,
		logger:   log.Named("pulse.maintenance"),
	}
}

// Start begins the ticker loop. The first tick runs immediately.
func (t *Ticker) Start(ctx context.Context) {
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Maintenance ticker started",
		"interval", t.cfg.Interval,
		"log_retention_days", t.cfg.LogRetentionDays)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Maintenance ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	t.tick(time.Now())

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.tick(tickTime)
		}
	}
}

func (t *Ticker) tick(at time.Time) {
	t.mu.Lock()
	t.lastTickAt = at
	t.ticksSinceStart++
	n := t.ticksSinceStart
	t.mu.Unlock()

	report, err := t.RunOnce(t.ctx)
	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		// Keep going on the next tick; partial work is still reported below
		t.logger.Warnw("Maintenance tick error", logger.FieldError, err, "tick", n)
	}

	if report.LogsPurged > 0 || len(report.InstancesReaped) > 0 || len(report.OrphansRequeued) > 0 {
		t.logger.Infow("Maintenance tick",
			"logs_purged", report.LogsPurged,
			"instances_reaped", report.InstancesReaped,
			"orphans_requeued", report.OrphansRequeued,
			"tick", n)
	}
}

// RunOnce performs a single maintenance pass. Each step runs even if an
// earlier one failed; the errors are combined.
func (t *Ticker) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var errs error

	purged, err := t.logs.CleanupOldLogs(ctx, t.cfg.LogRetentionDays)
	if err != nil {
		errs = errors.CombineErrors(errs, err)
	} else {
		report.LogsPurged = purged
		t.metrics.LogsPurged(purged)
	}

	if t.cfg.ReapStaleInstances {
		reaped, err := t.registry.ReapStale(ctx, t.cfg.StaleAfter)
		if err != nil {
			errs = errors.CombineErrors(errs, err)
		} else {
			report.InstancesReaped = reaped
			t.metrics.InstancesReaped(len(reaped))
			for _, id := range reaped {
				t.logger.Warnw("Reaped stale instance", logger.FieldInstanceID, id, "stale_after", t.cfg.StaleAfter)
			}
		}
	}

	if t.cfg.RequeueOrphanedJobs {
		requeued, err := t.requeueOrphans(ctx)
		report.OrphansRequeued = requeued
		if err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}

	if stats, err := t.jobs.Stats(ctx); err != nil {
		errs = errors.CombineErrors(errs, err)
	} else {
		report.JobCounts = stats
		counts := make(map[string]int, len(stats))
		for status, n := range stats {
			counts[string(status)] = n
		}
		t.metrics.SetJobCounts(counts)
	}

	if t.cfg.SampleHost {
		mem, err := registry.SampleMemory(ctx)
		if err != nil {
			t.logger.Debugw("Host memory sample unavailable", logger.FieldError, err)
		} else {
			t.metrics.SetMemoryPercent(mem.Percent)
		}
	}

	return report, errs
}

// requeueOrphans fails running jobs whose claiming instance is not live so the
// retry policy decides whether they run again
func (t *Ticker) requeueOrphans(ctx context.Context) ([]string, error) {
	running, err := t.jobs.ListRunning(ctx)
	if err != nil || len(running) == 0 {
		return nil, err
	}

	live, err := t.registry.LiveInstanceIDs(ctx, t.cfg.StaleAfter)
	if err != nil {
		return nil, err
	}

	var requeued []string
	var errs error
	for _, job := range running {
		if job.ClaimedBy == "" || live[job.ClaimedBy] {
			continue
		}

		msg := fmt.Sprintf("orphaned: instance %s is not live", job.ClaimedBy)
		outcome, err := t.jobs.FailClaimedJob(ctx, job.ID, job.ClaimedBy, msg)
		if errors.IsInvalidTransition(err) {
			// finished or was cancelled since we listed it
			continue
		}
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "failed to requeue orphaned job %s", job.ID))
			continue
		}

		requeued = append(requeued, job.ID)
		t.metrics.OrphanRequeued()
		if logErr := t.logs.Log(ctx, job.ID, execlog.LevelWarn, msg, map[string]interface{}{
			"retrying":    outcome.Retrying,
			"retry_count": outcome.Job.RetryCount,
		}); logErr != nil {
			t.logger.Debugw("Failed to record orphan log entry", logger.FieldJobID, job.ID, logger.FieldError, logErr)
		}
		t.logger.Warnw("Requeued orphaned job",
			logger.FieldJobID, job.ID,
			logger.FieldInstanceID, job.ClaimedBy,
			"retrying", outcome.Retrying)
	}
	return requeued, errs
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.cfg.Interval,
	}
}
