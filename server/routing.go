package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/blipee/pulse/logger"
)

// Routes builds the chi router for the admin API
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Delete("/", s.handleDeleteJob)
				r.Post("/cancel", s.handleCancelJob)
				r.Get("/logs", s.handleJobLogs)
			})
		})
		r.Get("/instances", s.handleListInstances)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// requestLogger logs each request at debug level, errors at warn
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			logger.FieldStatus, ww.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			logger.FieldRequestID, middleware.GetReqID(r.Context()),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warnw("HTTP request failed", fields...)
			return
		}
		s.logger.Debugw("HTTP request", fields...)
	})
}
