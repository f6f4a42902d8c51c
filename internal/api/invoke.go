package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/insight-technology/restful-functions/internal/engine"
	"github.com/insight-technology/restful-functions/internal/job"
)

const maxBodySize = 1 << 20 // 1 MB

// decodeArgs reads the request body as a JSON object. Anything that is not a
// JSON object is treated as an empty one.
func decodeArgs(w http.ResponseWriter, r *http.Request) map[string]any {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil || len(data) == 0 {
		return map[string]any{}
	}

	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return map[string]any{}
	}
	return raw
}

// prepareCall resolves the routed function and validates the request
// arguments, writing a 404 or 400 and returning ok=false on failure.
func (s *Server) prepareCall(w http.ResponseWriter, r *http.Request) (string, job.Args, bool) {
	name := chi.URLParam(r, "function")
	def, err := s.engine.Registry().Lookup(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return "", nil, false
	}

	raw := decodeArgs(w, r)
	s.logger.Info("task requested", "function", name, "path", r.URL.Path)

	args, err := job.ValidateArgs(def.Args, raw)
	if err != nil {
		s.logger.Info("rejected arguments", "function", name, "error", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}
	return def.Name, args, true
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	name, args, ok := s.prepareCall(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Call(r.Context(), name, args))
}

// blockingFailure is returned by the keep-connection route when the task
// ends in a status other than DONE or the wait gives up.
type blockingFailure struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
	TaskID string `json:"task_id"`
}

func (s *Server) handleCallBlocking(w http.ResponseWriter, r *http.Request) {
	name, args, ok := s.prepareCall(w, r)
	if !ok {
		return
	}

	// The wait may outlast the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for blocking call", "error", err)
	}

	task, err := s.engine.CallBlocking(r.Context(), name, args, 0)
	if err != nil {
		var cerr *engine.ConcurrencyError
		var werr *engine.WaitTimeoutError
		switch {
		case errors.As(err, &cerr):
			s.writeJSON(w, http.StatusOK, engine.CallResult{Message: cerr.Error()})
		case errors.As(err, &werr):
			s.writeJSON(w, http.StatusGatewayTimeout, blockingFailure{Error: err.Error(), TaskID: werr.TaskID})
		case errors.Is(err, engine.ErrShuttingDown):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		case r.Context().Err() != nil:
			s.logger.Info("client left blocking call", "function", name)
		default:
			s.logger.Error("blocking call", "function", name, "error", err)
			s.writeJSON(w, http.StatusOK, engine.CallResult{Message: err.Error()})
		}
		return
	}

	if !task.Succeeded() {
		s.writeJSON(w, http.StatusInternalServerError, blockingFailure{
			Error:  task.ResultText(),
			Status: task.Status,
			TaskID: task.ID,
		})
		return
	}
	s.writeRaw(w, http.StatusOK, task.Result)
}
