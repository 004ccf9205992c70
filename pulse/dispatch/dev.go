package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/blipee/pulse/errors"
	"github.com/blipee/pulse/pulse/execlog"
	"github.com/blipee/pulse/pulse/jobs"
)

// devConfig is what the echo handler understands in a job's config
type devConfig struct {
	SleepMS int64  `json:"sleep_ms"`
	Fail    string `json:"fail"`
}

// EchoHandler logs the job and returns its config. Config keys sleep_ms and
// fail make it wait or fail, which is enough to drive the retry, cancel and
// timeout paths by hand.
var EchoHandler = HandlerFunc(func(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	log := execlog.FromContext(ctx)

	var cfg devConfig
	if len(job.Config) > 0 {
		if err := json.Unmarshal(job.Config, &cfg); err != nil {
			return nil, errors.Wrap(err, "invalid job config")
		}
	}

	log.Infow("Echo handler running", "job_type", job.JobType, "attempt", job.RetryCount+1)

	if cfg.SleepMS > 0 {
		select {
		case <-time.After(time.Duration(cfg.SleepMS) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if cfg.Fail != "" {
		log.Warnw("Echo handler failing on request", "reason", cfg.Fail)
		return nil, errors.New(cfg.Fail)
	}

	return json.Marshal(map[string]interface{}{
		"echo":     job.Config,
		"job_type": job.JobType,
		"attempt":  job.RetryCount + 1,
	})
})

// RegisterDevHandlers registers EchoHandler for every job type that has no handler yet
func RegisterDevHandlers(r *HandlerRegistry) {
	for _, jt := range jobs.JobTypes {
		if !r.Has(jt) {
			r.Register(jt, EchoHandler)
		}
	}
}
