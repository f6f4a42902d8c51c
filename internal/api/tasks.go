package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/insight-technology/restful-functions/internal/engine"
	"github.com/insight-technology/restful-functions/internal/job"
	"github.com/insight-technology/restful-functions/internal/model"
)

// lookupTask loads the task named by the route, writing a 404 or 500 and
// returning nil on failure.
func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) *model.Task {
	task, err := s.engine.Get(r.Context(), chi.URLParam(r, "task_id"))
	if errors.Is(err, engine.ErrUnknownTask) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return nil
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return nil
	}
	return task
}

func (s *Server) handleTaskInfo(w http.ResponseWriter, r *http.Request) {
	if task := s.lookupTask(w, r); task != nil {
		s.writeJSON(w, http.StatusOK, task)
	}
}

func (s *Server) handleTaskDone(w http.ResponseWriter, r *http.Request) {
	if task := s.lookupTask(w, r); task != nil {
		s.writeJSON(w, http.StatusOK, task.Done())
	}
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	if task := s.lookupTask(w, r); task != nil {
		s.writeRaw(w, http.StatusOK, task.Result)
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.engine.ListByFunction(r.Context(), chi.URLParam(r, "function"))
	if errors.Is(err, job.ErrUnknownJob) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTerminateFunction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "function")
	n, err := s.engine.TerminateAll(r.Context(), name)
	if errors.Is(err, job.ErrUnknownJob) {
		// Nothing of an unknown function can be running.
		s.logger.Debug("terminate unknown function", "function", name)
		s.writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	if err != nil {
		s.logger.Error("terminate function", "function", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to terminate tasks")
		return
	}
	s.logger.Info("terminated function tasks", "function", name, "count", n)
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleTerminateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	err := s.engine.Terminate(r.Context(), id)
	switch {
	case err == nil, errors.Is(err, engine.ErrAlreadyTerminal):
		s.writeJSON(w, http.StatusOK, struct{}{})
	case errors.Is(err, engine.ErrUnknownTask):
		s.writeError(w, http.StatusNotFound, "task not found")
	default:
		s.logger.Error("terminate task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to terminate task")
	}
}
