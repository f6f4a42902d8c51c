package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Store kinds accepted by Open.
const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
	KindRedis  = "redis"
)

// Options selects and configures a Store implementation.
type Options struct {
	Kind string

	DBPath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Retention is applied as a key TTL by the Redis store.
	Retention time.Duration
}

// Open creates the configured store and resets it. Task records never
// survive a restart.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	var (
		s   Store
		err error
	)

	switch opts.Kind {
	case KindMemory, "":
		s = NewMemoryStore()
	case KindSQLite:
		s, err = NewSQLiteStore(opts.DBPath)
		if err != nil {
			return nil, err
		}
	case KindRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		ropts := []RedisOption{WithRetention(opts.Retention), WithRedisLogger(logger)}
		if opts.RedisPrefix != "" {
			ropts = append(ropts, WithRedisPrefix(opts.RedisPrefix))
		}
		rs := NewRedisStore(client, ropts...)
		if err := rs.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", opts.RedisAddr, err)
		}
		s = rs
	default:
		return nil, fmt.Errorf("unknown task store %q", opts.Kind)
	}

	if err := s.Reset(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("reset task store: %w", err)
	}

	logger.Info("task store ready", "kind", opts.Kind)
	return s, nil
}
