package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyExceeded is matched by every *ConcurrencyError.
	ErrConcurrencyExceeded = errors.New("concurrency limit reached")

	// ErrUnknownTask is returned for task ids the engine never issued or
	// whose records were purged.
	ErrUnknownTask = errors.New("unknown task")

	// ErrAlreadyTerminal is returned when stopping a task that already
	// reached a terminal status. Callers usually treat it as success.
	ErrAlreadyTerminal = errors.New("task already finished")

	// ErrWaitTimeout is returned when a blocking call gives up waiting. The
	// task keeps running.
	ErrWaitTimeout = errors.New("wait for task timed out")

	// ErrShuttingDown is returned by Submit once Shutdown has begun.
	ErrShuttingDown = errors.New("engine is shutting down")
)

// ConcurrencyError reports a rejected submission.
type ConcurrencyError struct {
	Function string
	Limit    int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("Over Max Concurrency %d", e.Limit)
}

func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyExceeded
}

// WaitTimeoutError carries the id of a task a blocking call stopped waiting on.
type WaitTimeoutError struct {
	TaskID string
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("task %s still running: %v", e.TaskID, ErrWaitTimeout)
}

func (e *WaitTimeoutError) Unwrap() error {
	return ErrWaitTimeout
}
