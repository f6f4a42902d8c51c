package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/insight-technology/restful-functions/internal/model"
)

// DefaultRedisPrefix namespaces every key the Redis store writes.
const DefaultRedisPrefix = "restful-functions:"

// maxTxRetries bounds optimistic-lock retries in FinishTask.
const maxTxRetries = 10

// Compile-time interface satisfaction check.
var _ Store = (*RedisStore)(nil)

// RedisOption configures the RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRetention sets a TTL applied to task hashes once they finish.
func WithRetention(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.retention = d }
}

// WithRedisLogger sets a custom logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = l }
}

// RedisStore implements Store with Redis. Each task is a Hash; a Sorted Set
// per function and one for all tasks keep submission order.
//
// Keys:
//
//	{prefix}task:{id}       Hash of task fields
//	{prefix}function:{name} Sorted Set of task ids by submission time
//	{prefix}tasks           Sorted Set of all task ids
type RedisStore struct {
	client    *goredis.Client
	prefix    string
	retention time.Duration
	logger    *slog.Logger
}

// NewRedisStore creates a store on an existing client. Close closes the client.
func NewRedisStore(client *goredis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultRedisPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) taskKey(id string) string { return s.prefix + "task:" + id }

func (s *RedisStore) functionKey(name string) string { return s.prefix + "function:" + name }

func (s *RedisStore) allKey() string { return s.prefix + "tasks" }

// CreateTask stores the task as a Hash and indexes it.
func (s *RedisStore) CreateTask(ctx context.Context, t *model.Task) error {
	score := float64(t.SubmittedAt.UnixMicro())

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.taskKey(t.ID), taskToMap(t))
	pipe.ZAdd(ctx, s.functionKey(t.Function), goredis.Z{Score: score, Member: t.ID})
	pipe.ZAdd(ctx, s.allKey(), goredis.Z{Score: score, Member: t.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *RedisStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	vals, err := s.client.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get task: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return mapToTask(id, vals), nil
}

// ListTasks returns the tasks of one function in submission order. Ids whose
// hash has expired are dropped from the index.
func (s *RedisStore) ListTasks(ctx context.Context, function string) ([]*model.Task, error) {
	return s.loadIndex(ctx, s.functionKey(function))
}

func (s *RedisStore) loadIndex(ctx context.Context, indexKey string) ([]*model.Task, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list task ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: load tasks: %w", err)
	}

	tasks := make([]*model.Task, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		tasks = append(tasks, mapToTask(ids[i], vals))
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, indexKey, stale...).Err(); err != nil {
			s.logger.Debug("redis: prune expired task ids failed", "error", err)
		}
	}
	return tasks, nil
}

// FinishTask moves a RUNNING task to a terminal status using an optimistic
// transaction on the task hash.
func (s *RedisStore) FinishTask(ctx context.Context, id, status string, result json.RawMessage, finishedAt time.Time) error {
	if err := checkTransition(model.StatusRunning, status); err != nil {
		return err
	}

	key := s.taskKey(id)
	txf := func(tx *goredis.Tx) error {
		current, err := tx.HGet(ctx, key, "status").Result()
		if errors.Is(err, goredis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := checkTransition(current, status); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"status", status,
				"result", string(result),
				"finished_at", finishedAt.UTC().Format(time.RFC3339Nano),
			)
			if s.retention > 0 {
				pipe.Expire(ctx, key, s.retention)
			}
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return err
		}
		if err != nil {
			return fmt.Errorf("redis: finish task: %w", err)
		}
		return nil
	}
	return fmt.Errorf("redis: finish task %s: too much contention", id)
}

// DeleteTask removes a task and its index entries.
func (s *RedisStore) DeleteTask(ctx context.Context, id string) error {
	key := s.taskKey(id)

	fn, err := s.client.HGet(ctx, key, "function").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("redis: delete task get function: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, s.functionKey(fn), id)
	pipe.ZRem(ctx, s.allKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete task: %w", err)
	}
	return nil
}

// PurgeFinished deletes terminal tasks finished before the cutoff. Hashes
// that already expired through their TTL are pruned from the indexes as a
// side effect of loading.
func (s *RedisStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	tasks, err := s.loadIndex(ctx, s.allKey())
	if err != nil {
		return 0, err
	}

	n := 0
	for _, t := range tasks {
		if !t.Done() || t.FinishedAt == nil || !t.FinishedAt.Before(before) {
			continue
		}
		if err := s.DeleteTask(ctx, t.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}

// GetTaskStats returns aggregate statistics across all tasks.
func (s *RedisStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	tasks, err := s.loadIndex(ctx, s.allKey())
	if err != nil {
		return nil, err
	}

	acc := newStatsAccumulator()
	for _, t := range tasks {
		acc.add(t)
	}
	return acc.result(), nil
}

// Reset deletes every key under the store's prefix.
func (s *RedisStore) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis: scan keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: reset: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// ── helpers ──

func taskToMap(t *model.Task) map[string]any {
	m := map[string]any{
		"function":     t.Function,
		"status":       t.Status,
		"submitted_at": t.SubmittedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.Result != nil {
		m["result"] = string(t.Result)
	}
	if t.StartedAt != nil {
		m["started_at"] = t.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if t.FinishedAt != nil {
		m["finished_at"] = t.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func mapToTask(id string, m map[string]string) *model.Task {
	t := &model.Task{
		ID:       id,
		Function: m["function"],
		Status:   m["status"],
	}
	if r, ok := m["result"]; ok && r != "" {
		t.Result = json.RawMessage(r)
	}
	t.SubmittedAt, _ = time.Parse(time.RFC3339Nano, m["submitted_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	t.StartedAt = parseTimePtr(m["started_at"])
	t.FinishedAt = parseTimePtr(m["finished_at"])
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	v, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &v
}
