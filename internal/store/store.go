package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/insight-technology/restful-functions/internal/model"
)

var (
	// ErrNotFound is returned when a task is not found.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a task status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TaskStats holds aggregate task statistics.
type TaskStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByFunction map[string]int `json:"count_by_function"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for task records. Every
// implementation is reset at startup; nothing survives a restart.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)

	// ListTasks returns the tasks of one function in submission order.
	ListTasks(ctx context.Context, function string) ([]*model.Task, error)

	// FinishTask moves a RUNNING task to a terminal status. It returns
	// ErrInvalidTransition when the task has already left RUNNING.
	FinishTask(ctx context.Context, id, status string, result json.RawMessage, finishedAt time.Time) error

	DeleteTask(ctx context.Context, id string) error

	// PurgeFinished deletes terminal tasks finished before the cutoff and
	// returns how many were removed.
	PurgeFinished(ctx context.Context, before time.Time) (int, error)

	GetTaskStats(ctx context.Context) (*TaskStats, error)

	// Reset deletes every task record.
	Reset(ctx context.Context) error

	Close() error
}

// statsAccumulator builds TaskStats from individual records.
type statsAccumulator struct {
	stats    TaskStats
	finished int
	totalMS  float64
}

func newStatsAccumulator() *statsAccumulator {
	return &statsAccumulator{stats: TaskStats{
		CountByStatus:   make(map[string]int),
		CountByFunction: make(map[string]int),
	}}
}

func (a *statsAccumulator) add(t *model.Task) {
	a.stats.Total++
	a.stats.CountByStatus[t.Status]++
	a.stats.CountByFunction[t.Function]++
	if t.StartedAt != nil && t.FinishedAt != nil {
		a.finished++
		a.totalMS += float64(t.FinishedAt.Sub(*t.StartedAt)) / float64(time.Millisecond)
	}
}

func (a *statsAccumulator) result() *TaskStats {
	if a.finished > 0 {
		a.stats.AvgDurationMS = a.totalMS / float64(a.finished)
	}
	return &a.stats
}

// checkTransition validates a requested terminal status.
func checkTransition(from, to string) error {
	if !model.ValidTransition(from, to) {
		return ErrInvalidTransition
	}
	return nil
}
