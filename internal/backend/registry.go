package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Start modes.
const (
	ModeProcess = "process"
	ModeInline  = "inline"
)

// Info pairs a start mode with the capabilities of its supervisor.
type Info struct {
	Mode         string       `json:"mode"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered supervisors keyed by start mode.
type Registry struct {
	mu          sync.RWMutex
	supervisors map[string]Supervisor
}

// NewRegistry creates an empty supervisor registry.
func NewRegistry() *Registry {
	return &Registry{
		supervisors: make(map[string]Supervisor),
	}
}

// Register adds a supervisor under the given mode, replacing any previous one.
func (r *Registry) Register(mode string, s Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supervisors[mode] = s
}

// Resolve returns the supervisor registered for mode.
func (r *Registry) Resolve(mode string) (Supervisor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.supervisors[mode]
	if !ok {
		return nil, fmt.Errorf("supervisor %q is not registered", mode)
	}
	return s, nil
}

// List returns information about all registered supervisors, sorted by mode
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.supervisors))
	for mode, s := range r.supervisors {
		infos = append(infos, Info{
			Mode:         mode,
			Capabilities: s.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Mode < infos[j].Mode
	})
	return infos
}
