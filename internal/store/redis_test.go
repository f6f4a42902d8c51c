package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insight-technology/restful-functions/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, append([]RedisOption{WithRedisLogger(discardLogger())}, opts...)...)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisKeysUsePrefix(t *testing.T) {
	s, mr := newTestRedisStore(t, WithRedisPrefix("rf-test:"))
	ctx := context.Background()
	task := makeTestTask("addition")
	require.NoError(t, s.CreateTask(ctx, task))

	assert.True(t, mr.Exists("rf-test:task:"+task.ID))
	assert.True(t, mr.Exists("rf-test:function:addition"))
	assert.True(t, mr.Exists("rf-test:tasks"))
	assert.Equal(t, model.StatusRunning, mr.HGet("rf-test:task:"+task.ID, "status"))
}

func TestRedisRetentionSetsTTL(t *testing.T) {
	s, mr := newTestRedisStore(t, WithRetention(time.Minute))
	ctx := context.Background()
	task := makeTestTask("addition")
	require.NoError(t, s.CreateTask(ctx, task))

	key := DefaultRedisPrefix + "task:" + task.ID
	assert.Zero(t, mr.TTL(key), "running tasks must not expire")

	require.NoError(t, s.FinishTask(ctx, task.ID, model.StatusDone, json.RawMessage(`1`), time.Now()))
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(2 * time.Minute)

	_, err := s.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	tasks, err := s.ListTasks(ctx, "addition")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	ids, err := mr.ZMembers(DefaultRedisPrefix + "function:addition")
	if err == nil {
		assert.Empty(t, ids, "expired ids should be pruned from the index")
	}
}

func TestRedisResetOnlyTouchesPrefix(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, makeTestTask("addition")))
	require.NoError(t, mr.Set("unrelated", "keep"))

	require.NoError(t, s.Reset(ctx))

	assert.True(t, mr.Exists("unrelated"))
	stats, err := s.GetTaskStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestRedisPing(t *testing.T) {
	s, mr := newTestRedisStore(t)
	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s, err := Open(ctx, Options{Kind: KindRedis, RedisAddr: mr.Addr(), RedisPrefix: "open:"}, discardLogger())
	require.NoError(t, err)
	defer s.Close()

	task := makeTestTask("addition")
	require.NoError(t, s.CreateTask(ctx, task))
	assert.True(t, mr.Exists("open:task:"+task.ID))
}

func TestOpenRedisUnreachable(t *testing.T) {
	_, err := Open(context.Background(), Options{Kind: KindRedis, RedisAddr: "127.0.0.1:1"}, discardLogger())
	assert.Error(t, err)
}
