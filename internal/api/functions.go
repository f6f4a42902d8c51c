package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/insight-technology/restful-functions/internal/job"
)

// handleIndex lists the registered route paths as plain text.
func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	var b strings.Builder
	seen := make(map[string]bool)
	err := chi.Walk(s.router, func(_ string, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if !seen[route] {
			seen[route] = true
			b.WriteString(route)
			b.WriteByte('\n')
		}
		return nil
	})
	if err != nil {
		s.logger.Error("walk routes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list routes")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

func (s *Server) handleListFunctionsData(w http.ResponseWriter, _ *http.Request) {
	defs := s.engine.Registry().List()
	if defs == nil {
		defs = []job.Definition{}
	}
	s.writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleListFunctionsText(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(job.FormatText(s.engine.Registry().List())))
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.engine.Registry().Lookup(chi.URLParam(r, "function"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleRunningCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RunningCount(chi.URLParam(r, "function"))
	if errors.Is(err, job.ErrUnknownJob) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("running count", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count running tasks")
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.workers.List())
}
