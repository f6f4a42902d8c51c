package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/insight-technology/restful-functions/internal/job"
)

// Supervisor starts isolated workers. Each supervisor (OS process, goroutine)
// provides its own implementation of these methods.
type Supervisor interface {
	// Start launches a worker for spec and returns without waiting for it to
	// finish. The context only bounds the launch itself.
	Start(ctx context.Context, spec WorkerSpec) (Handle, error)

	// Capabilities reports what kind of isolation this supervisor provides.
	Capabilities() Capabilities
}

// Handle is an opaque reference to one running worker.
type Handle interface {
	// ID identifies the worker for logs, e.g. "pid:4242".
	ID() string

	// Wait blocks until the worker finishes or ctx is done. The returned error
	// is non-nil only when ctx ends first.
	Wait(ctx context.Context) (Outcome, error)

	// Terminate forcibly stops the worker. It is safe to call more than once
	// and on a worker that already finished.
	Terminate(ctx context.Context) error
}

// WorkerSpec describes one invocation to run in a worker.
type WorkerSpec struct {
	TaskID   string
	Function string
	Args     job.Args

	// Body is the in-process callable. Supervisors that re-execute the
	// binary resolve the body by Function instead.
	Body job.Body

	// LogWriter is an optional callback invoked once per worker log line.
	LogWriter func(line string)
}

// Outcome is the result of a finished worker. Exactly one of Value and Err is
// meaningful: Err is empty on success.
type Outcome struct {
	Value    json.RawMessage
	Err      string
	ExitCode int
	Duration time.Duration
}

// Failed reports whether the worker ended without a value.
func (o Outcome) Failed() bool {
	return o.Err != ""
}

// Capabilities describes a supervisor.
type Capabilities struct {
	Name      string `json:"name"`
	Isolation string `json:"isolation"`
	HardKill  bool   `json:"hard_kill"`
}

// Log forwards line to spec.LogWriter when one is set.
func (s WorkerSpec) Log(line string) {
	if s.LogWriter != nil {
		s.LogWriter(line)
	}
}
