package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/insight-technology/restful-functions/internal/backend"
)

const (
	// Name is reported in the supervisor's capabilities.
	Name = "process"

	// WorkerCommand is the argument that turns the binary into a worker.
	WorkerCommand = "worker"

	// DefaultTerminateGrace is how long a worker may take to exit after
	// SIGTERM before it is sent SIGKILL.
	DefaultTerminateGrace = 3 * time.Second
)

// Config holds the settings for the process supervisor.
type Config struct {
	// Binary is the executable started for each worker. Empty means the
	// current executable.
	Binary string

	// Args are passed to Binary. Nil means []string{WorkerCommand}.
	Args []string

	// Env is appended to the supervisor's own environment.
	Env []string

	TerminateGrace time.Duration
}

// Supervisor implements backend.Supervisor by re-executing a binary as a
// worker process in its own process group, one process per task.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a process supervisor, filling in defaults.
func New(cfg Config, logger *slog.Logger) (*Supervisor, error) {
	if cfg.Binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		cfg.Binary = exe
	}
	if cfg.Args == nil {
		cfg.Args = []string{WorkerCommand}
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = DefaultTerminateGrace
	}
	return &Supervisor{cfg: cfg, logger: logger}, nil
}

// Capabilities reports what this supervisor supports.
func (s *Supervisor) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:      Name,
		Isolation: "os-process",
		HardKill:  true,
	}
}

// Start launches a worker process and sends it the request frame. It does not
// wait for the worker to finish.
func (s *Supervisor) Start(ctx context.Context, spec backend.WorkerSpec) (backend.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resultR, resultW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create result pipe: %w", err)
	}

	// Not CommandContext: the worker outlives the request that started it.
	cmd := exec.Command(s.cfg.Binary, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.ExtraFiles = []*os.File{resultW}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		resultR.Close()
		resultW.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		resultR.Close()
		resultW.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		resultR.Close()
		resultW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		resultR.Close()
		resultW.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	// The child holds its own copy; ours must be closed so EOF is seen on exit.
	resultW.Close()
	activeWorkers.Inc()

	h := &handle{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		grace:  s.cfg.TerminateGrace,
		spec:   spec,
		logger: s.logger,
		start:  time.Now(),
		done:   make(chan struct{}),
	}

	s.logger.Debug("worker started",
		"task_id", spec.TaskID,
		"function", spec.Function,
		"pid", h.pid,
	)

	req := Request{TaskID: spec.TaskID, Function: spec.Function, Args: spec.Args}
	go func() {
		defer stdin.Close()
		if err := WriteMessage(stdin, req); err != nil {
			s.logger.Debug("send request to worker failed", "task_id", spec.TaskID, "error", err)
		}
	}()

	go h.reap(stdout, stderr, resultR)

	return h, nil
}

// handle tracks one worker process.
type handle struct {
	cmd    *exec.Cmd
	pid    int
	grace  time.Duration
	spec   backend.WorkerSpec
	logger *slog.Logger
	start  time.Time

	terminating atomic.Bool

	done    chan struct{}
	outcome backend.Outcome
}

func (h *handle) ID() string {
	return "pid:" + strconv.Itoa(h.pid)
}

func (h *handle) Wait(ctx context.Context) (backend.Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return backend.Outcome{}, ctx.Err()
	}
}

// Terminate sends SIGTERM to the worker's process group, waits up to the
// grace period, then sends SIGKILL.
func (h *handle) Terminate(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	h.terminating.Store(true)
	if err := h.signal(unix.SIGTERM); err != nil {
		return err
	}

	timer := time.NewTimer(h.grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	killEscalations.Inc()
	h.logger.Info("worker ignored SIGTERM, sending SIGKILL",
		"task_id", h.spec.TaskID,
		"pid", h.pid,
	)
	if err := h.signal(unix.SIGKILL); err != nil {
		return err
	}

	reapTimer := time.NewTimer(h.grace)
	defer reapTimer.Stop()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-reapTimer.C:
		return fmt.Errorf("worker %s not reaped after SIGKILL", h.ID())
	}
}

func (h *handle) signal(sig unix.Signal) error {
	err := unix.Kill(-h.pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("signal worker %s: %w", h.ID(), err)
}

// reap drains the worker's output, reads its result frame and waits for it
// to exit. It closes h.done once the outcome is set.
func (h *handle) reap(stdout, stderr io.Reader, results *os.File) {
	defer close(h.done)

	var wg sync.WaitGroup
	wg.Add(2)
	go h.stream(&wg, stdout)
	go h.stream(&wg, stderr)

	var res Result
	resErr := ReadMessage(results, &res)
	results.Close()

	// All reads from the pipes must complete before Wait.
	wg.Wait()
	waitErr := h.cmd.Wait()

	duration := time.Since(h.start)
	activeWorkers.Dec()
	workerDuration.Observe(duration.Seconds())

	out := backend.Outcome{
		ExitCode: h.cmd.ProcessState.ExitCode(),
		Duration: duration,
	}
	switch {
	case resErr == nil && res.Error != "":
		out.Err = res.Error
	case resErr == nil && waitErr == nil:
		out.Value = res.Value
		if len(out.Value) == 0 {
			out.Value = json.RawMessage("null")
		}
	case resErr == nil:
		out.Err = fmt.Sprintf("worker exited abnormally after reporting a result: %v", waitErr)
	default:
		out.Err = "worker exited without a result: " + exitDescription(waitErr)
	}
	h.outcome = out

	label := outcomeCompleted
	switch {
	case h.terminating.Load():
		label = outcomeKilled
	case out.Failed():
		label = outcomeFailed
	}
	workersTotal.WithLabelValues(label).Inc()

	h.logger.Debug("worker exited",
		"task_id", h.spec.TaskID,
		"pid", h.pid,
		"exit_code", out.ExitCode,
		"duration_ms", duration.Milliseconds(),
	)
}

// stream forwards each line of r to the worker's log writer.
func (h *handle) stream(wg *sync.WaitGroup, r io.Reader) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxMessageSize)
	for scanner.Scan() {
		h.spec.Log(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		h.logger.Debug("worker log stream error", "task_id", h.spec.TaskID, "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

func exitDescription(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
