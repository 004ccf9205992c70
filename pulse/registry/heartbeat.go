package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blipee/pulse/errors"
	"github.com/blipee/pulse/logger"
)

// StatsFunc reports the counters sent with each heartbeat
type StatsFunc func() HeartbeatStats

// Heartbeater keeps one instance's registration fresh
type Heartbeater struct {
	store      *Store
	instanceID string
	interval   time.Duration
	stats      StatsFunc
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	lost bool
}

// NewHeartbeater creates a heartbeater; Start launches it
func NewHeartbeater(store *Store, instanceID string, interval time.Duration, stats StatsFunc, log *zap.SugaredLogger) *Heartbeater {
	if log == nil {
		log = logger.Logger
	}
	if stats == nil {
		stats = func() HeartbeatStats { return HeartbeatStats{} }
	}
	return &Heartbeater{
		store:      store,
		instanceID: instanceID,
		interval:   interval,
		stats:      stats,
		logger:     log.Named("pulse.registry").With(logger.FieldInstanceID, instanceID),
	}
}

// Start begins the heartbeat loop
func (h *Heartbeater) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.run()
	h.logger.Infow("Heartbeat started", "interval", h.interval)
}

// Stop ends the loop and waits for an in-flight beat to finish
func (h *Heartbeater) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.wg.Wait()
	h.logger.Infow("Heartbeat stopped")
}

// Lost reports whether the registration disappeared, e.g. it was reaped as stale
func (h *Heartbeater) Lost() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lost
}

func (h *Heartbeater) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.Beat(h.ctx)
		}
	}
}

// Beat sends one heartbeat
func (h *Heartbeater) Beat(ctx context.Context) {
	err := h.store.Heartbeat(ctx, h.instanceID, h.stats())

	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case err == nil:
		h.lost = false
	case errors.IsNotFoundError(err):
		if !h.lost {
			h.logger.Errorw("Registration lost, heartbeats are no longer recorded", logger.FieldError, err)
		}
		h.lost = true
	case ctx.Err() != nil:
	default:
		h.logger.Warnw("Heartbeat failed", logger.FieldError, err)
	}
}
