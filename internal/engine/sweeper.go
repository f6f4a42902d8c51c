package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/insight-technology/restful-functions/internal/model"
)

// Sweeper periodically moves RUNNING tasks that exceeded their function's
// timeout to TIMEOUT and purges expired task records. A task may outlive its
// timeout by up to one sweep interval.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper for e using the engine's sweep interval.
func NewSweeper(e *Engine, logger *slog.Logger) *Sweeper {
	return &Sweeper{engine: e, interval: e.cfg.SweepInterval, logger: logger}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("timeout sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := s.Sweep(ctx, now); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// overdueTask is a RUNNING task past its deadline.
type overdueTask struct {
	id      string
	timeout time.Duration
}

// Sweep times out every task whose run time exceeds its timeout at now and
// returns how many it moved to TIMEOUT.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	var reqs []stopRequest
	for _, o := range s.engine.overdue(now) {
		reqs = append(reqs, stopRequest{
			id:     o.id,
			status: model.StatusTimeout,
			result: model.ErrorResult(timeoutResult(o.timeout)),
		})
	}

	timedOut, err := s.engine.stopAll(ctx, reqs)
	if err != nil {
		return timedOut, err
	}
	if timedOut > 0 {
		s.logger.Info("timed out overdue tasks", "count", timedOut)
	}

	if r := s.engine.cfg.TaskRetention; r > 0 {
		purged, err := s.engine.store.PurgeFinished(ctx, now.Add(-r))
		if err != nil {
			return timedOut, fmt.Errorf("purge finished tasks: %w", err)
		}
		if purged > 0 {
			tasksPurged.Add(float64(purged))
			s.logger.Debug("purged finished tasks", "count", purged)
		}
	}
	return timedOut, nil
}

// overdue lists RUNNING tasks whose elapsed time at now exceeds their timeout.
func (e *Engine) overdue(now time.Time) []overdueTask {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []overdueTask
	for id, ent := range e.live {
		if ent.status != model.StatusRunning {
			continue
		}
		if now.Sub(ent.startedAt) > ent.timeout {
			out = append(out, overdueTask{id: id, timeout: ent.timeout})
		}
	}
	return out
}

func timeoutResult(d time.Duration) string {
	return "Timeout after " + d.String()
}
