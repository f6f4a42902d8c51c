package api

import "net/http"

// Health states.
const (
	healthOK       = "ok"
	healthDraining = "draining"
)

type healthResponse struct {
	Status       string `json:"status"`
	Functions    int    `json:"functions"`
	RunningTasks int    `json:"running_tasks"`
}

// handleHealthz reports 503 once the engine has begun shutting down, so load
// balancers stop routing calls that would be rejected.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       healthOK,
		Functions:    len(s.engine.Registry().List()),
		RunningTasks: s.engine.TotalRunning(),
	}
	status := http.StatusOK
	if !s.engine.Accepting() {
		resp.Status = healthDraining
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
