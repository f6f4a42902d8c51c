package engine

import (
	"context"
	"errors"
	"time"

	"github.com/insight-technology/restful-functions/internal/job"
	"github.com/insight-technology/restful-functions/internal/model"
)

// CallResult is the outcome of an asynchronous invocation.
type CallResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

// Call submits an invocation and returns immediately. Rejections are reported
// in the result rather than as an error.
func (e *Engine) Call(ctx context.Context, name string, args job.Args) CallResult {
	id, err := e.Submit(ctx, name, args)
	if err != nil {
		return CallResult{Message: callMessage(name, err)}
	}
	return CallResult{Success: true, TaskID: id}
}

func callMessage(name string, err error) string {
	var cerr *ConcurrencyError
	switch {
	case errors.As(err, &cerr):
		return cerr.Error()
	case errors.Is(err, job.ErrUnknownJob):
		return "Unknown Function " + name
	default:
		return err.Error()
	}
}

// CallBlocking submits an invocation and waits for its terminal record. The
// wait is bounded by timeout when positive, else by the configured blocking
// timeout, else by the function's timeout plus one sweep interval. When the
// bound expires a *WaitTimeoutError is returned and the task keeps running.
func (e *Engine) CallBlocking(ctx context.Context, name string, args job.Args, timeout time.Duration) (*model.Task, error) {
	def, err := e.registry.Lookup(name)
	if err != nil {
		return nil, err
	}

	id, err := e.Submit(ctx, name, args)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.blockingBound(def, timeout))
	defer cancel()

	t, err := e.Await(waitCtx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			e.logger.Info("blocking call stopped waiting", "task_id", id, "function", name)
			return nil, &WaitTimeoutError{TaskID: id}
		}
		return nil, err
	}
	return t, nil
}

func (e *Engine) blockingBound(def job.Definition, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if e.cfg.BlockingTimeout > 0 {
		return e.cfg.BlockingTimeout
	}
	return def.Timeout + e.cfg.SweepInterval
}
