package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "RF_"

// DefaultEnvFile is loaded when present. Variables already set in the
// environment take precedence over its contents.
const DefaultEnvFile = ".env"

// Config holds application configuration loaded from RF_* environment
// variables.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8888" validate:"required"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"60s" validate:"gt=0"`
	BlockingTimeout time.Duration `env:"BLOCKING_TIMEOUT" envDefault:"0s" validate:"gte=0"`
	TaskRetention   time.Duration `env:"TASK_RETENTION" envDefault:"0s" validate:"gte=0"`

	StartMode      string        `env:"START_MODE" envDefault:"process" validate:"oneof=process inline"`
	ShutdownMode   string        `env:"SHUTDOWN_MODE" envDefault:"join" validate:"oneof=join terminate"`
	TerminateGrace time.Duration `env:"TERMINATE_GRACE" envDefault:"3s" validate:"gt=0"`
	WorkerBinary   string        `env:"WORKER_BINARY"`

	TaskStore     string `env:"TASK_STORE" envDefault:"sqlite" validate:"oneof=memory sqlite redis"`
	DBPath        string `env:"DB_PATH" envDefault:"restful-functions.db" validate:"required_if=TaskStore sqlite"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379" validate:"required_if=TaskStore redis"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0" validate:"gte=0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"restful-functions:"`
}

// Load reads configuration with Parse and validates it.
func Load(envFiles ...string) (Config, error) {
	cfg, err := Parse(envFiles...)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse reads configuration from the environment after loading envFiles, or
// DefaultEnvFile when none are given. Missing env files are skipped. Field
// constraints are not checked, so callers that override values must call
// Validate themselves.
func Parse(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{DefaultEnvFile}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Level returns the parsed log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
