// Package dispatch runs claimed jobs through registered handlers.
//
// A Dispatcher owns a pool of workers. Each worker claims the next eligible job
// from the store, runs its handler outside any lock, and records the outcome
// through writes fenced on the claim, so an instance that lost its job to a
// requeue cannot overwrite the new owner. Cancellation is cooperative: a
// watcher polls the status of in-flight jobs and cancels the handler context
// once a job is cancelled in the store; the persisted status stays the
// durable record.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/blipee/pulse/db"
	"github.com/blipee/pulse/errors"
	"github.com/blipee/pulse/logger"
	"github.com/blipee/pulse/pulse/execlog"
	"github.com/blipee/pulse/pulse/jobs"
	"github.com/blipee/pulse/pulse/metrics"
	"github.com/blipee/pulse/pulse/registry"
)

// Causes attached to a handler context when the dispatcher cancels it
var (
	ErrJobCancelled = errors.New("job cancelled")
	ErrJobLost      = errors.New("job is no longer owned by this instance")
	ErrShutdown     = errors.New("dispatcher shutting down")
	ErrTimeout      = errors.New("handler timed out")
)

// outcomeWriteTimeout bounds the store writes made after a handler returns,
// which run even when the dispatcher is shutting down
const outcomeWriteTimeout = 10 * time.Second

// Config contains configuration for the dispatcher
type Config struct {
	InstanceID         string        // recorded as claimed_by
	Workers            int           // number of concurrent workers
	PollInterval       time.Duration // how often an idle worker looks for jobs
	ClaimsPerSecond    float64       // claim rate across all workers, 0 = unlimited
	HandlerTimeout     time.Duration // 0 = no timeout
	CancelPollInterval time.Duration // how often in-flight jobs are checked for cancellation
	StopTimeout        time.Duration // how long Stop waits for handlers to return
	AbandonAfter       time.Duration // how long a cancelled handler may hold its worker
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:            2,
		PollInterval:       time.Second,
		HandlerTimeout:     30 * time.Minute,
		CancelPollInterval: 2 * time.Second,
		StopTimeout:        30 * time.Second,
		AbandonAfter:       5 * time.Second,
	}
}

// inflight tracks one running handler
type inflight struct {
	job    *jobs.Job
	cancel context.CancelCauseFunc
}

// Dispatcher claims jobs and executes them through the handler registry
type Dispatcher struct {
	jobs     *jobs.Store
	logs     *execlog.Store
	handlers *HandlerRegistry
	metrics  *metrics.Metrics
	cfg      Config
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	running   map[string]*inflight
	startTime time.Time

	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a dispatcher. m may be nil.
func New(jobStore *jobs.Store, logStore *execlog.Store, handlers *HandlerRegistry, m *metrics.Metrics, cfg Config, log *zap.SugaredLogger) *Dispatcher {
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = defaults.CancelPollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = defaults.AbandonAfter
	}
	if log == nil {
		log = logger.Logger
	}

	return &Dispatcher{
		jobs:     jobStore,
		logs:     logStore,
		handlers: handlers,
		metrics:  m,
		cfg:      cfg,
		limiter:  rate.NewLimiter(claimLimit(cfg.ClaimsPerSecond), claimBurst(cfg.ClaimsPerSecond)),
		logger:   log.Named("pulse.dispatch").With(logger.FieldInstanceID, cfg.InstanceID),
		running:  make(map[string]*inflight),
	}
}

func claimLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

func claimBurst(perSecond float64) int {
	if perSecond < 1 {
		return 1
	}
	return int(perSecond)
}

// SetClaimRate changes the claim rate limit at runtime, 0 = unlimited
func (d *Dispatcher) SetClaimRate(perSecond float64) {
	d.limiter.SetBurst(claimBurst(perSecond))
	d.limiter.SetLimit(claimLimit(perSecond))
	d.logger.Infow("Claim rate changed", "claims_per_second", perSecond)
}

// Start launches the workers and the cancellation watcher
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.ctx, d.cancel = context.WithCancelCause(ctx)
	d.startTime = time.Now()
	d.mu.Unlock()

	if types := d.handlers.Types(); len(types) < len(jobs.JobTypes) {
		d.logger.Warnw("Some job types have no handler, their jobs will fail",
			"registered", types)
	}

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.wg.Add(1)
	go d.watchCancellations()

	d.logger.Infow("Dispatcher started",
		"workers", d.cfg.Workers,
		"poll_interval", d.cfg.PollInterval,
		"handler_timeout", d.cfg.HandlerTimeout)
}

// Stop cancels in-flight handlers and waits for workers to record their outcomes.
// Interrupted jobs are failed with ErrShutdown so the retry policy can return them
// to pending.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel(ErrShutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Infow("Dispatcher stopped")
	case <-time.After(d.cfg.StopTimeout):
		d.logger.Warnw("Dispatcher stop timed out, handlers may still be running",
			"timeout", d.cfg.StopTimeout,
			"inflight", d.Inflight())
	}
}

// Inflight returns the ids of jobs currently executing on this instance
func (d *Dispatcher) Inflight() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.running))
	for id := range d.running {
		ids = append(ids, id)
	}
	return ids
}

// Interrupt cancels the handler of a job running on this instance without
// waiting for the watcher. The caller is responsible for the store transition.
// Returns false if the job is not running here.
func (d *Dispatcher) Interrupt(jobID string) bool {
	d.mu.Lock()
	f, ok := d.running[jobID]
	d.mu.Unlock()
	if ok {
		f.cancel(ErrJobCancelled)
	}
	return ok
}

// HeartbeatStats reports the counters sent with registry heartbeats
func (d *Dispatcher) HeartbeatStats() registry.HeartbeatStats {
	d.mu.Lock()
	started := d.startTime
	d.mu.Unlock()

	var uptime int64
	if !started.IsZero() {
		uptime = time.Since(started).Milliseconds()
	}
	return registry.HeartbeatStats{
		JobsCompleted: d.completed.Load(),
		JobsFailed:    d.failed.Load(),
		UptimeMS:      uptime,
	}
}

// worker claims and runs jobs until the dispatcher stops
func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	log := d.logger.With(logger.FieldWorkerID, id)

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	// a lost claim race is retried at once, a few times, before waiting for the tick
	const maxContendedRetries = 3

	for {
		// drain everything that is due before waiting for the next tick
		contended := 0
		for {
			ran, err := d.RunNext(d.ctx)
			if errors.Is(err, jobs.ErrClaimContended) {
				contended++
				if contended < maxContendedRetries {
					continue
				}
				log.Debugw("Due jobs are being claimed by other workers, waiting for next poll")
				break
			}
			if err != nil {
				if d.ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
					return
				}
				errorCount++
				log.Errorw("Worker error claiming job", logger.FieldError, err, "consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					log.Warnw("Worker backing off due to consecutive errors", "backoff", backoff)
					select {
					case <-d.ctx.Done():
						return
					case <-time.After(backoff):
					}
					backoff = min(backoff*2, maxBackoff)
				}
				break
			}
			if errorCount > 0 {
				log.Infow("Worker recovered from errors", "previous_error_count", errorCount)
				errorCount = 0
				backoff = time.Second
			}
			if !ran {
				break
			}
		}

		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunNext claims one eligible job and executes it. It reports false when
// nothing was eligible. Errors are claim failures, including
// jobs.ErrClaimContended when every due job was taken by another claimer;
// handler failures are recorded on the job instead.
func (d *Dispatcher) RunNext(ctx context.Context) (bool, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return false, err
	}

	job, err := d.jobs.ClaimNextJob(ctx, d.cfg.InstanceID)
	if errors.Is(err, jobs.ErrClaimContended) {
		d.metrics.ClaimContended()
		return false, err
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to claim job")
	}
	if job == nil {
		return false, nil
	}

	d.metrics.JobClaimed(string(job.JobType))
	d.execute(ctx, job)
	return true, nil
}

// execute runs the handler for a claimed job and records the outcome
func (d *Dispatcher) execute(parent context.Context, job *jobs.Job) {
	log := d.logger.With(logger.FieldJobID, job.ID, logger.FieldJobType, job.JobType)

	jobCtx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	if d.cfg.HandlerTimeout > 0 {
		var stop context.CancelFunc
		jobCtx, stop = context.WithTimeoutCause(jobCtx, d.cfg.HandlerTimeout, ErrTimeout)
		defer stop()
	}

	jl := execlog.NewJobLogger(jobCtx, d.logs, job.ID, d.logger.With(logger.FieldJobType, job.JobType))
	jobCtx = execlog.WithJobLogger(jobCtx, jl)
	jobCtx = logger.WithJobID(jobCtx, job.ID)

	d.track(job, cancel)
	defer d.untrack(job.ID)

	d.metrics.WorkerBusy(1)
	defer d.metrics.WorkerBusy(-1)

	jl.Infow("Job started",
		"attempt", job.RetryCount+1,
		logger.FieldMaxRetries, job.MaxRetries,
		"claimed_by", job.ClaimedBy)

	start := time.Now()
	result, runErr := d.invoke(jobCtx, job)
	elapsed := time.Since(start)

	// Outcome writes must land even when the dispatcher is stopping
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(parent), outcomeWriteTimeout)
	defer cancelWrite()

	cause := context.Cause(jobCtx)
	switch {
	case errors.Is(cause, ErrJobCancelled), errors.Is(cause, ErrJobLost):
		d.metrics.HandlerFinished(string(job.JobType), metrics.OutcomeCancelled, elapsed)
		log.Infow("Handler interrupted, outcome not recorded",
			"reason", cause.Error(),
			logger.FieldDurationMS, elapsed.Milliseconds())
		return

	case errors.Is(cause, ErrTimeout):
		// a late result from a timed-out handler is discarded
		if runErr == nil {
			log.Warnw("Handler returned after its timeout, result discarded",
				logger.FieldDurationMS, elapsed.Milliseconds())
		}
		d.fail(writeCtx, log, jl, job, fmt.Sprintf("handler timed out after %s", d.cfg.HandlerTimeout), elapsed)
		return

	case runErr == nil:
		d.complete(writeCtx, log, jl, job, result, elapsed)
		return
	}

	msg := runErr.Error()
	if errors.Is(cause, ErrShutdown) {
		msg = fmt.Sprintf("interrupted: %s", ErrShutdown)
	}
	d.fail(writeCtx, log, jl, job, msg, elapsed)
}

// handlerResult is what a handler goroutine hands back to its worker
type handlerResult struct {
	result json.RawMessage
	err    error
}

// invoke calls the handler, turning a missing handler or a panic into an error.
// Once ctx is done the handler gets AbandonAfter to return; after that the
// worker stops waiting and returns the cancellation cause. The abandoned
// goroutine keeps running until the handler returns.
func (d *Dispatcher) invoke(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	h := d.handlers.Get(job.JobType)
	if h == nil {
		return nil, errors.Newf("no handler registered for job type %s", job.JobType)
	}

	done := make(chan handlerResult, 1)
	go func() {
		var out handlerResult
		defer func() {
			if r := recover(); r != nil {
				d.logger.Errorw("Handler panicked",
					logger.FieldJobID, job.ID,
					"panic", r,
					"stack", string(debug.Stack()))
				out = handlerResult{err: errors.Newf("handler panicked: %v", r)}
			}
			done <- out
		}()
		out.result, out.err = h.Execute(ctx, job)
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
	}

	grace := time.NewTimer(d.cfg.AbandonAfter)
	defer grace.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-grace.C:
		cause := context.Cause(ctx)
		d.metrics.HandlerAbandoned(string(job.JobType))
		d.logger.Warnw("Handler ignored cancellation, worker released",
			logger.FieldJobID, job.ID,
			"reason", cause.Error(),
			"waited", d.cfg.AbandonAfter)
		return nil, cause
	}
}

func (d *Dispatcher) complete(ctx context.Context, log *zap.SugaredLogger, jl *execlog.JobLogger, job *jobs.Job, result json.RawMessage, elapsed time.Duration) {
	if len(result) > 0 && !json.Valid(result) {
		d.fail(ctx, log, jl, job, "handler returned a result that is not valid JSON", elapsed)
		return
	}

	next, err := d.jobs.CompleteClaimedJob(ctx, job.ID, d.cfg.InstanceID, result)
	if errors.IsInvalidTransition(err) {
		d.drop(log, job, err, elapsed)
		return
	}
	if err != nil {
		log.Errorw("Failed to record job completion", logger.FieldError, err)
		return
	}

	d.completed.Add(1)
	d.metrics.HandlerFinished(string(job.JobType), metrics.OutcomeCompleted, elapsed)

	if next != nil {
		jl.Infow("Job completed, next occurrence scheduled",
			logger.FieldDurationMS, elapsed.Milliseconds(),
			"next_job_id", next.ID,
			logger.FieldNextRunAt, next.NextRunAt)
		return
	}
	jl.Infow("Job completed", logger.FieldDurationMS, elapsed.Milliseconds())
}

func (d *Dispatcher) fail(ctx context.Context, log *zap.SugaredLogger, jl *execlog.JobLogger, job *jobs.Job, msg string, elapsed time.Duration) {
	outcome, err := d.jobs.FailClaimedJob(ctx, job.ID, d.cfg.InstanceID, msg)
	if errors.IsInvalidTransition(err) {
		d.drop(log, job, err, elapsed)
		return
	}
	if err != nil {
		log.Errorw("Failed to record job failure", logger.FieldError, err, "handler_error", msg)
		return
	}

	if outcome.Retrying {
		d.metrics.HandlerFinished(string(job.JobType), metrics.OutcomeRetrying, elapsed)
		jl.Warnw("Job failed, will retry",
			logger.FieldError, msg,
			logger.FieldRetryCount, outcome.Job.RetryCount,
			logger.FieldMaxRetries, outcome.Job.MaxRetries,
			"delay", outcome.Delay.String())
		return
	}

	d.failed.Add(1)
	d.metrics.HandlerFinished(string(job.JobType), metrics.OutcomeFailed, elapsed)
	jl.Errorw("Job failed permanently",
		logger.FieldError, msg,
		logger.FieldRetryCount, outcome.Job.RetryCount)
}

// drop logs an outcome that could not be written because the job left running
// state while the handler ran
func (d *Dispatcher) drop(log *zap.SugaredLogger, job *jobs.Job, err error, elapsed time.Duration) {
	d.metrics.HandlerFinished(string(job.JobType), metrics.OutcomeDropped, elapsed)
	log.Infow("Job left running state during execution, outcome dropped",
		logger.FieldError, err,
		logger.FieldDurationMS, elapsed.Milliseconds())
}

func (d *Dispatcher) track(job *jobs.Job, cancel context.CancelCauseFunc) {
	d.mu.Lock()
	d.running[job.ID] = &inflight{job: job, cancel: cancel}
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(id string) {
	d.mu.Lock()
	delete(d.running, id)
	d.mu.Unlock()
}

// watchCancellations polls the store for in-flight jobs that were cancelled,
// or taken away from this instance, and interrupts their handlers
func (d *Dispatcher) watchCancellations() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.CheckCancellations(d.ctx)
		}
	}
}

// CheckCancellations runs one pass of the cancellation watcher
func (d *Dispatcher) CheckCancellations(ctx context.Context) {
	d.mu.Lock()
	snapshot := make([]*inflight, 0, len(d.running))
	for _, f := range d.running {
		snapshot = append(snapshot, f)
	}
	d.mu.Unlock()

	for _, f := range snapshot {
		current, err := d.jobs.GetJob(ctx, f.job.ID)
		switch {
		case errors.IsNotFoundError(err):
			f.cancel(ErrJobLost)
		case err != nil:
			if ctx.Err() == nil {
				d.logger.Warnw("Failed to check job status", logger.FieldJobID, f.job.ID, logger.FieldError, err)
			}
		case current.Status == jobs.StatusCancelled:
			d.logger.Infow("Job cancelled, interrupting handler", logger.FieldJobID, f.job.ID)
			f.cancel(ErrJobCancelled)
		case current.Status != jobs.StatusRunning || current.ClaimedBy != d.cfg.InstanceID:
			d.logger.Warnw("Job no longer owned by this instance, interrupting handler",
				logger.FieldJobID, f.job.ID,
				logger.FieldStatus, current.Status,
				"claimed_by", current.ClaimedBy)
			f.cancel(ErrJobLost)
		}
	}
}
