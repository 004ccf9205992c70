package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/blipee/pulse/errors"
	"github.com/blipee/pulse/logger"
	"github.com/blipee/pulse/pulse/execlog"
	"github.com/blipee/pulse/pulse/jobs"
	"github.com/blipee/pulse/pulse/registry"
)

// handleHealth reports 200 while serving with a reachable database
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if state := s.getState(); state == ServerStateDraining || state == ServerStateStopped {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": stateString(state)})
		return
	}
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			s.logger.Warnw("Health check database ping failed", logger.FieldError, err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	job, err := s.jobs.CreateJob(r.Context(), req.toStore())
	if err != nil {
		writeStoreError(w, s.logger, err, "failed to create job")
		return
	}

	s.logger.Infow("Job created via API",
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.JobType,
		"schedule_type", job.ScheduleType,
		logger.FieldNextRunAt, job.NextRunAt)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobs.Filter{
		Status:       jobs.Status(q.Get("status")),
		JobType:      jobs.JobType(q.Get("job_type")),
		ScheduleType: jobs.ScheduleType(q.Get("schedule_type")),
	}

	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		writeStoreError(w, s.logger, err, "invalid query")
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		writeStoreError(w, s.logger, err, "invalid query")
		return
	}

	list, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		writeStoreError(w, s.logger, err, "failed to list jobs")
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: list, Count: len(list)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, s.logger, err, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.jobs.CancelJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, s.logger, err, "failed to cancel job")
		return
	}

	interrupted := false
	if s.interrupter != nil {
		interrupted = s.interrupter.Interrupt(id)
	}
	s.logger.Infow("Job cancelled via API",
		logger.FieldJobID, id,
		"job_short", shortID(id),
		"interrupted_locally", interrupted)

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.DeleteJob(r.Context(), id); err != nil {
		writeStoreError(w, s.logger, err, "failed to delete job")
		return
	}
	s.logger.Infow("Job deleted via API", logger.FieldJobID, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// an unknown job is a 404, a job without entries an empty list
	if _, err := s.jobs.GetJob(r.Context(), id); err != nil {
		writeStoreError(w, s.logger, err, "failed to get job")
		return
	}

	entries, err := s.logs.GetLogs(r.Context(), id, execlog.Level(r.URL.Query().Get("min_level")))
	if err != nil {
		writeStoreError(w, s.logger, err, "failed to get logs")
		return
	}
	if entries == nil {
		entries = []execlog.Entry{}
	}
	writeJSON(w, http.StatusOK, LogsResponse{JobID: id, Logs: entries, Count: len(entries)})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	liveOnly := false
	if raw := r.URL.Query().Get("live"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeStoreError(w, s.logger, errors.NewValidationError("live must be a boolean"), "invalid query")
			return
		}
		liveOnly = v
	}

	instances, err := s.registry.ListInstances(r.Context(), liveOnly)
	if err != nil {
		writeStoreError(w, s.logger, err, "failed to list instances")
		return
	}
	if instances == nil {
		instances = []*registry.Instance{}
	}
	writeJSON(w, http.StatusOK, InstancesResponse{Instances: instances, Count: len(instances)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		writeStoreError(w, s.logger, err, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{ByStatus: stats, Total: stats.Total()})
}
