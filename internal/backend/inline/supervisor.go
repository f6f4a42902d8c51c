// Package inline implements a worker supervisor that runs job bodies on
// goroutines inside the engine process. Termination cancels the body's
// context; a body that ignores cancellation is abandoned after the grace
// period rather than killed.
package inline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/insight-technology/restful-functions/internal/backend"
	"github.com/insight-technology/restful-functions/internal/job"
	"github.com/insight-technology/restful-functions/internal/runner"
)

// Name is reported in the supervisor's capabilities.
const Name = "inline"

// DefaultTerminateGrace is how long Terminate waits for a cancelled body.
const DefaultTerminateGrace = 3 * time.Second

// Supervisor implements backend.Supervisor with goroutines.
type Supervisor struct {
	grace  time.Duration
	logger *slog.Logger
	seq    atomic.Uint64
}

// New creates an inline supervisor. A non-positive grace uses
// DefaultTerminateGrace.
func New(grace time.Duration, logger *slog.Logger) *Supervisor {
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	return &Supervisor{grace: grace, logger: logger}
}

// Capabilities reports what this supervisor supports.
func (s *Supervisor) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:      Name,
		Isolation: "goroutine",
		HardKill:  false,
	}
}

// Start runs spec.Body on a new goroutine.
func (s *Supervisor) Start(ctx context.Context, spec backend.WorkerSpec) (backend.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Body == nil {
		return nil, fmt.Errorf("start %s: no body", spec.Function)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if spec.LogWriter != nil {
		runCtx = job.WithLogWriter(runCtx, spec.LogWriter)
	}

	h := &handle{
		id:     fmt.Sprintf("goroutine:%d", s.seq.Add(1)),
		taskID: spec.TaskID,
		cancel: cancel,
		grace:  s.grace,
		logger: s.logger,
		done:   make(chan struct{}),
	}
	s.logger.Debug("inline worker started", "task_id", spec.TaskID, "function", spec.Function, "worker", h.id)

	go func() {
		defer close(h.done)
		defer cancel()

		start := time.Now()
		value, err := runner.Execute(runCtx, spec.Body, spec.Args)
		out := backend.Outcome{Duration: time.Since(start)}
		if err != nil {
			out.Err = err.Error()
			out.ExitCode = 1
		} else {
			out.Value = value
		}
		h.outcome = out
	}()

	return h, nil
}

type handle struct {
	id     string
	taskID string
	cancel context.CancelFunc
	grace  time.Duration
	logger *slog.Logger

	done    chan struct{}
	outcome backend.Outcome
}

func (h *handle) ID() string { return h.id }

func (h *handle) Wait(ctx context.Context) (backend.Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return backend.Outcome{}, ctx.Err()
	}
}

// Terminate cancels the body's context and waits up to the grace period for
// it to return.
func (h *handle) Terminate(ctx context.Context) error {
	h.cancel()

	timer := time.NewTimer(h.grace)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
		h.logger.Warn("body ignored cancellation, abandoning goroutine", "task_id", h.taskID, "worker", h.id)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
