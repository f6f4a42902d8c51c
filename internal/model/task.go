package model

import (
	"encoding/json"
	"time"
)

// Task status constants. RUNNING is the only non-terminal status.
const (
	StatusRunning    = "RUNNING"
	StatusDone       = "DONE"
	StatusError      = "ERROR"
	StatusTimeout    = "TIMEOUT"
	StatusTerminated = "TERMINATED"
)

// Result descriptions stored for tasks the engine stopped itself.
const (
	ResultManualTermination = "Manual Termination"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusRunning: {
		StatusDone:       true,
		StatusError:      true,
		StatusTimeout:    true,
		StatusTerminated: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is one of the final task statuses.
func IsTerminal(status string) bool {
	return ValidTransition(StatusRunning, status)
}

// Task is one invocation of a registered function, tracked from submission to
// a terminal outcome.
type Task struct {
	ID          string          `json:"task_id"`
	Function    string          `json:"function_name"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Done reports whether the task has left RUNNING.
func (t *Task) Done() bool {
	return t.Status != StatusRunning
}

// Succeeded reports whether the task finished with a value.
func (t *Task) Succeeded() bool {
	return t.Status == StatusDone
}

// ErrorResult encodes a failure description as a task result.
func ErrorResult(msg string) json.RawMessage {
	b, err := json.Marshal(msg)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return b
}

// ResultText returns the result as a plain string when it is a JSON string,
// and the raw JSON text otherwise.
func (t *Task) ResultText() string {
	if len(t.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(t.Result, &s); err == nil {
		return s
	}
	return string(t.Result)
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}
