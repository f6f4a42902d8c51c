package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/insight-technology/restful-functions/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
	order []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*model.Task)}
}

// CreateTask inserts a new task record.
func (s *MemoryStore) CreateTask(_ context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[t.ID] = t.Clone()
	s.order = append(s.order, t.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (s *MemoryStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// ListTasks returns the tasks of one function in submission order.
func (s *MemoryStore) ListTasks(_ context.Context, function string) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*model.Task
	for _, id := range s.order {
		t, ok := s.tasks[id]
		if ok && t.Function == function {
			tasks = append(tasks, t.Clone())
		}
	}
	return tasks, nil
}

// FinishTask moves a RUNNING task to a terminal status.
func (s *MemoryStore) FinishTask(_ context.Context, id, status string, result json.RawMessage, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(t.Status, status); err != nil {
		return err
	}
	t.Status = status
	t.Result = append(json.RawMessage(nil), result...)
	finishedAt = finishedAt.UTC()
	t.FinishedAt = &finishedAt
	return nil
}

// DeleteTask removes a task record.
func (s *MemoryStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	s.compact()
	return nil
}

// PurgeFinished deletes terminal tasks finished before the cutoff.
func (s *MemoryStore) PurgeFinished(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.tasks {
		if t.Done() && t.FinishedAt != nil && t.FinishedAt.Before(before) {
			delete(s.tasks, id)
			n++
		}
	}
	if n > 0 {
		s.compact()
	}
	return n, nil
}

// compact drops deleted ids from the order slice. Callers hold s.mu.
func (s *MemoryStore) compact() {
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.tasks[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
}

// GetTaskStats returns aggregate statistics across all tasks.
func (s *MemoryStore) GetTaskStats(_ context.Context) (*TaskStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc := newStatsAccumulator()
	for _, t := range s.tasks {
		acc.add(t)
	}
	return acc.result(), nil
}

// Reset deletes every task record.
func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]*model.Task)
	s.order = nil
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
