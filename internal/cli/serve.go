package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/insight-technology/restful-functions/internal/api"
	"github.com/insight-technology/restful-functions/internal/backend"
	"github.com/insight-technology/restful-functions/internal/backend/inline"
	"github.com/insight-technology/restful-functions/internal/backend/process"
	"github.com/insight-technology/restful-functions/internal/config"
	"github.com/insight-technology/restful-functions/internal/engine"
	"github.com/insight-technology/restful-functions/internal/job"
	"github.com/insight-technology/restful-functions/internal/store"
)

// serveFlags mirror the configuration keys they override.
type serveFlags struct {
	envFile        string
	addr           string
	logLevel       string
	startMode      string
	shutdownMode   string
	taskStore      string
	dbPath         string
	redisAddr      string
	sweepInterval  time.Duration
	terminateGrace time.Duration
	taskRetention  time.Duration
}

func serveCmd(reg *job.Registry) *cobra.Command {
	var f serveFlags

	command := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var envFiles []string
			if f.envFile != "" {
				envFiles = append(envFiles, f.envFile)
			}
			cfg, err := config.Parse(envFiles...)
			if err != nil {
				return err
			}
			cfg = f.apply(cmd.Flags(), cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := config.NewLogger(cmd.ErrOrStderr(), cfg.Level())
			return serve(cmd.Context(), reg, cfg, logger)
		},
	}

	fs := command.Flags()
	fs.StringVar(&f.envFile, "env-file", "", "Load environment variables from this file (default .env)")
	fs.StringVar(&f.addr, "addr", "", "Listen address (RF_LISTEN_ADDR)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (RF_LOG_LEVEL)")
	fs.StringVar(&f.startMode, "start-mode", "", "process or inline (RF_START_MODE)")
	fs.StringVar(&f.shutdownMode, "shutdown-mode", "", "join or terminate (RF_SHUTDOWN_MODE)")
	fs.StringVar(&f.taskStore, "store", "", "memory, sqlite or redis (RF_TASK_STORE)")
	fs.StringVar(&f.dbPath, "db-path", "", "SQLite database path (RF_DB_PATH)")
	fs.StringVar(&f.redisAddr, "redis-addr", "", "Redis address (RF_REDIS_ADDR)")
	fs.DurationVar(&f.sweepInterval, "sweep-interval", 0, "Timeout sweep period (RF_SWEEP_INTERVAL)")
	fs.DurationVar(&f.terminateGrace, "terminate-grace", 0, "Wait before killing a terminated worker (RF_TERMINATE_GRACE)")
	fs.DurationVar(&f.taskRetention, "task-retention", 0, "Purge finished tasks older than this (RF_TASK_RETENTION)")

	return command
}

// apply overrides cfg with the flags set on the command line.
func (f serveFlags) apply(fs *pflag.FlagSet, cfg config.Config) config.Config {
	if fs.Changed("addr") {
		cfg.ListenAddr = f.addr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("start-mode") {
		cfg.StartMode = f.startMode
	}
	if fs.Changed("shutdown-mode") {
		cfg.ShutdownMode = f.shutdownMode
	}
	if fs.Changed("store") {
		cfg.TaskStore = f.taskStore
	}
	if fs.Changed("db-path") {
		cfg.DBPath = f.dbPath
	}
	if fs.Changed("redis-addr") {
		cfg.RedisAddr = f.redisAddr
	}
	if fs.Changed("sweep-interval") {
		cfg.SweepInterval = f.sweepInterval
	}
	if fs.Changed("terminate-grace") {
		cfg.TerminateGrace = f.terminateGrace
	}
	if fs.Changed("task-retention") {
		cfg.TaskRetention = f.taskRetention
	}
	return cfg
}

// serve runs the server until ctx is done or SIGINT/SIGTERM arrives, then
// winds down running tasks according to the shutdown mode.
func serve(ctx context.Context, reg *job.Registry, cfg config.Config, logger *slog.Logger) error {
	workers, sup, err := buildSupervisors(cfg, logger)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, store.Options{
		Kind:          cfg.TaskStore,
		DBPath:        cfg.DBPath,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		RedisPrefix:   cfg.RedisPrefix,
		Retention:     cfg.TaskRetention,
	}, logger)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer st.Close()

	eng := engine.New(reg, sup, st, engine.Config{
		SweepInterval:   cfg.SweepInterval,
		BlockingTimeout: cfg.BlockingTimeout,
		TaskRetention:   cfg.TaskRetention,
	}, logger)
	sweeper := engine.NewSweeper(eng, logger)
	srv := api.NewServer(cfg.ListenAddr, eng, workers, logger)

	logger.Info("restful-functions: starting",
		"listen_addr", cfg.ListenAddr,
		"start_mode", cfg.StartMode,
		"shutdown_mode", cfg.ShutdownMode,
		"task_store", cfg.TaskStore,
		"functions", len(reg.List()),
	)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		stop()
		return shutdownEngine(eng, cfg.ShutdownMode, logger)
	})

	return g.Wait()
}

// shutdownEngine stops running tasks. In join mode a second signal stops
// waiting and terminates whatever is left.
func shutdownEngine(eng *engine.Engine, mode string, logger *slog.Logger) error {
	ctx := context.Background()
	if mode == engine.ShutdownJoin {
		var cancel context.CancelFunc
		ctx, cancel = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer cancel()
		logger.Info("joining running tasks, signal again to terminate them")
	}

	if err := eng.Shutdown(ctx, mode); err != nil {
		return fmt.Errorf("shutdown engine: %w", err)
	}
	logger.Info("engine stopped")
	return nil
}

// buildSupervisors registers every start mode and returns the configured one.
func buildSupervisors(cfg config.Config, logger *slog.Logger) (*backend.Registry, backend.Supervisor, error) {
	workers := backend.NewRegistry()
	workers.Register(backend.ModeInline, inline.New(cfg.TerminateGrace, logger))

	proc, err := process.New(process.Config{
		Binary:         cfg.WorkerBinary,
		TerminateGrace: cfg.TerminateGrace,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("process supervisor: %w", err)
	}
	workers.Register(backend.ModeProcess, proc)

	sup, err := workers.Resolve(cfg.StartMode)
	if err != nil {
		return nil, nil, err
	}
	return workers, sup, nil
}
