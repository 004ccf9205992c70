// Package server exposes the orchestrator's admin HTTP API: job creation and
// inspection, cancellation, execution logs, service instances, store stats,
// health and Prometheus metrics.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/blipee/pulse/errors"
	"github.com/blipee/pulse/logger"
	"github.com/blipee/pulse/pulse/execlog"
	"github.com/blipee/pulse/pulse/jobs"
	"github.com/blipee/pulse/pulse/metrics"
	"github.com/blipee/pulse/pulse/registry"
)

// Interrupter stops a handler running in this process. The dispatcher
// implements it; a server without a local dispatcher passes nil.
type Interrupter interface {
	Interrupt(jobID string) bool
}

// Deps are the components the API fronts
type Deps struct {
	DB          *sql.DB
	Jobs        *jobs.Store
	Logs        *execlog.Store
	Registry    *registry.Store
	Metrics     *metrics.Metrics
	Interrupter Interrupter
}

// Server is the admin HTTP API
type Server struct {
	db          *sql.DB
	jobs        *jobs.Store
	logs        *execlog.Store
	registry    *registry.Store
	metrics     *metrics.Metrics
	interrupter Interrupter
	logger      *zap.SugaredLogger

	httpServer *http.Server
	state      atomic.Int32
}

// New creates the API server
func New(deps Deps, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = logger.Logger
	}
	return &Server{
		db:          deps.DB,
		jobs:        deps.Jobs,
		logs:        deps.Logs,
		registry:    deps.Registry,
		metrics:     deps.Metrics,
		interrupter: deps.Interrupter,
		logger:      log.Named("pulse.server"),
	}
}

// Start listens on addr in the background. Listen errors other than a clean
// shutdown are sent on the returned channel.
func (s *Server) Start(addr string) <-chan error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.setState(ServerStateRunning)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("Admin API listening", logger.FieldAddress, addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrapf(err, "admin API failed on %s", addr)
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains in-flight requests. Health checks report 503 while draining.
func (s *Server) Shutdown(ctx context.Context) error {
	s.setState(ServerStateDraining)
	defer s.setState(ServerStateStopped)

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "admin API shutdown")
	}
	return nil
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Debugw("Server state changed", "new_state", stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
