// Package runner implements the worker side of the process supervisor. It runs
// inside a re-executed worker process: it receives one request frame, runs the
// job body and reports a single result frame before the process exits.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/insight-technology/restful-functions/internal/backend/process"
	"github.com/insight-technology/restful-functions/internal/job"
)

// Exit codes of a worker process.
const (
	ExitOK     = 0
	ExitFailed = 1
)

// Runner executes requests against a job registry.
type Runner struct {
	registry *job.Registry

	logMu  sync.Mutex
	logOut io.Writer
}

// New creates a runner that writes body log lines to logOut.
func New(registry *job.Registry, logOut io.Writer) *Runner {
	return &Runner{registry: registry, logOut: logOut}
}

// Main is the entry point of the worker subcommand. It reads the request from
// stdin, writes the result to ResultFD and returns the process exit code.
// SIGTERM cancels the body's context.
func (r *Runner) Main() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	out := os.NewFile(process.ResultFD, "result")
	if out == nil {
		fmt.Fprintln(r.logOut, "worker: result descriptor is not open")
		return ExitFailed
	}
	defer out.Close()

	return r.Run(ctx, os.Stdin, out)
}

// Run handles exactly one request from in and writes one result frame to out.
func (r *Runner) Run(ctx context.Context, in io.Reader, out io.Writer) int {
	var req process.Request
	if err := process.ReadMessage(in, &req); err != nil {
		return r.reply(out, process.Result{Error: fmt.Sprintf("read request: %v", err)})
	}

	def, err := r.registry.Lookup(req.Function)
	if err != nil {
		return r.reply(out, process.Result{Error: err.Error()})
	}

	// Re-coerce so bodies see the same typed values as in-process execution.
	args, err := job.ValidateArgs(def.Args, req.Args)
	if err != nil {
		return r.reply(out, process.Result{Error: err.Error()})
	}

	ctx = job.WithLogWriter(ctx, r.logLine)
	value, err := Execute(ctx, def.Body, args)
	if err != nil {
		return r.reply(out, process.Result{Error: err.Error()})
	}
	return r.reply(out, process.Result{Value: value})
}

func (r *Runner) reply(out io.Writer, res process.Result) int {
	if err := process.WriteMessage(out, res); err != nil {
		r.logLine(fmt.Sprintf("write result: %v", err))
		return ExitFailed
	}
	if res.Error != "" {
		return ExitFailed
	}
	return ExitOK
}

func (r *Runner) logLine(line string) {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	fmt.Fprintln(r.logOut, strings.TrimRight(line, "\n"))
}

// Execute runs body and marshals its return value. A panic in the body or a
// value that cannot be encoded as JSON is reported as an error.
func Execute(ctx context.Context, body job.Body, args job.Args) (raw json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	value, err := body(ctx, args)
	if err != nil {
		return nil, err
	}

	raw, err = json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("result is not JSON serializable: %w", err)
	}
	return raw, nil
}
