package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/insight-technology/restful-functions/internal/backend"
	"github.com/insight-technology/restful-functions/internal/job"
	"github.com/insight-technology/restful-functions/internal/model"
	"github.com/insight-technology/restful-functions/internal/store"
)

// Engine defaults.
const (
	DefaultSweepInterval    = 60 * time.Second
	DefaultTerminateTimeout = 10 * time.Second
)

// Shutdown modes.
const (
	ShutdownJoin      = "join"
	ShutdownTerminate = "terminate"
)

// Config holds engine settings. Zero values select the defaults.
type Config struct {
	// SweepInterval is the period of the timeout sweeper.
	SweepInterval time.Duration

	// BlockingTimeout bounds CallBlocking when no override is given. Zero
	// means the function's timeout plus one sweep interval.
	BlockingTimeout time.Duration

	// TaskRetention purges finished records older than this during sweeps.
	// Zero keeps records until restart.
	TaskRetention time.Duration

	// TerminateTimeout bounds a single worker termination.
	TerminateTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = DefaultTerminateTimeout
	}
	return c
}

// entry is the live part of a RUNNING task: its worker handle and the
// channel closed once the terminal record is written.
type entry struct {
	id        string
	function  string
	startedAt time.Time
	timeout   time.Duration
	handle    backend.Handle

	// status is RUNNING until the first finisher claims the entry.
	status string

	done   chan struct{}
	stop   context.Context
	cancel context.CancelFunc
}

// Engine is the task ledger. It is safe for concurrent use.
type Engine struct {
	registry   *job.Registry
	supervisor backend.Supervisor
	store      store.Store
	cfg        Config
	logger     *slog.Logger
	broker     *LogBroker

	mu      sync.Mutex
	live    map[string]*entry
	running map[string]int
	closing bool

	// admitting counts Submit calls between slot reservation and the live
	// entry being registered.
	admitting sync.WaitGroup
	wg        sync.WaitGroup
}

// New creates an engine and freezes the registry.
func New(reg *job.Registry, sup backend.Supervisor, s store.Store, cfg Config, logger *slog.Logger) *Engine {
	reg.Freeze()
	return &Engine{
		registry:   reg,
		supervisor: sup,
		store:      s,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		broker:     NewLogBroker(),
		live:       make(map[string]*entry),
		running:    make(map[string]int),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Registry returns the function registry the engine serves.
func (e *Engine) Registry() *job.Registry {
	return e.registry
}

// Config returns the effective engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Submit admits one invocation of the named function, starts its worker and
// records a RUNNING task. args must already be validated against the
// function's argument specs. When the function is at its ceiling Submit
// returns a *ConcurrencyError and nothing is started.
func (e *Engine) Submit(ctx context.Context, name string, args job.Args) (string, error) {
	def, err := e.registry.Lookup(name)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return "", ErrShuttingDown
	}
	if e.running[name] >= def.MaxConcurrency {
		e.mu.Unlock()
		tasksRejected.WithLabelValues(name).Inc()
		return "", &ConcurrencyError{Function: name, Limit: def.MaxConcurrency}
	}
	e.running[name]++
	e.admitting.Add(1)
	e.mu.Unlock()
	defer e.admitting.Done()

	id := model.NewID()
	now := time.Now().UTC()

	handle, err := e.supervisor.Start(ctx, backend.WorkerSpec{
		TaskID:   id,
		Function: name,
		Args:     args,
		Body:     def.Body,
		LogWriter: func(line string) {
			e.broker.Publish(id, line)
		},
	})
	if err != nil {
		e.release(name)
		e.broker.Close(id)
		e.broker.Forget(id)
		return "", fmt.Errorf("start worker for %s: %w", name, err)
	}

	task := &model.Task{
		ID:          id,
		Function:    name,
		Status:      model.StatusRunning,
		SubmittedAt: now,
		StartedAt:   &now,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		e.terminateHandle(id, handle)
		e.release(name)
		e.broker.Close(id)
		e.broker.Forget(id)
		return "", fmt.Errorf("record task: %w", err)
	}

	stop, cancel := context.WithCancel(context.Background())
	ent := &entry{
		id:        id,
		function:  name,
		startedAt: now,
		timeout:   def.Timeout,
		handle:    handle,
		status:    model.StatusRunning,
		done:      make(chan struct{}),
		stop:      stop,
		cancel:    cancel,
	}

	e.mu.Lock()
	e.live[id] = ent
	e.mu.Unlock()

	tasksSubmitted.WithLabelValues(name).Inc()
	tasksRunning.WithLabelValues(name).Inc()

	e.wg.Go(func() {
		e.observe(ent)
	})

	e.logger.Info("task started",
		"task_id", id,
		"function", name,
		"worker", handle.ID(),
	)
	return id, nil
}

// observe waits for the worker and records its outcome. It returns early once
// another finisher has claimed the entry.
func (e *Engine) observe(ent *entry) {
	out, err := ent.handle.Wait(ent.stop)
	if err != nil {
		// Claimed by Terminate or the sweeper.
		return
	}

	status, result := model.StatusDone, out.Value
	if out.Failed() {
		status, result = model.StatusError, model.ErrorResult(out.Err)
	}

	err = e.finish(ent.id, status, result, false)
	if err != nil && !errors.Is(err, ErrAlreadyTerminal) {
		e.logger.Error("failed to record task outcome", "task_id", ent.id, "error", err)
	}
}

// finish moves a live task to a terminal status. The first caller wins; later
// callers get ErrAlreadyTerminal. With kill set, the worker is terminated
// before the slot is released.
func (e *Engine) finish(id, status string, result json.RawMessage, kill bool) error {
	e.mu.Lock()
	ent, ok := e.live[id]
	if !ok || ent.status != model.StatusRunning {
		e.mu.Unlock()
		return e.notLive(id)
	}
	ent.status = status
	e.mu.Unlock()

	if kill {
		e.terminateHandle(id, ent.handle)
	}

	finishedAt := time.Now().UTC()
	if err := e.store.FinishTask(context.Background(), id, status, result, finishedAt); err != nil {
		e.logger.Error("failed to persist terminal status",
			"task_id", id,
			"status", status,
			"error", err,
		)
	}

	e.release(ent.function)
	e.mu.Lock()
	delete(e.live, id)
	e.mu.Unlock()

	close(ent.done)
	ent.cancel()
	e.broker.Close(id)
	time.AfterFunc(e.cfg.SweepInterval, func() { e.broker.Forget(id) })

	tasksRunning.WithLabelValues(ent.function).Dec()
	tasksFinished.WithLabelValues(ent.function, status).Inc()
	taskDuration.WithLabelValues(ent.function).Observe(finishedAt.Sub(ent.startedAt).Seconds())

	e.logger.Info("task finished",
		"task_id", id,
		"function", ent.function,
		"status", status,
		"duration_ms", finishedAt.Sub(ent.startedAt).Milliseconds(),
	)
	return nil
}

// notLive classifies an id that has no RUNNING entry.
func (e *Engine) notLive(id string) error {
	if _, err := e.store.GetTask(context.Background(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownTask, id)
		}
		return err
	}
	return ErrAlreadyTerminal
}

func (e *Engine) release(function string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.running[function]--
	if e.running[function] <= 0 {
		delete(e.running, function)
	}
}

func (e *Engine) terminateHandle(id string, h backend.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TerminateTimeout)
	defer cancel()

	if err := h.Terminate(ctx); err != nil {
		e.logger.Warn("worker termination incomplete",
			"task_id", id,
			"worker", h.ID(),
			"error", err,
		)
	}
}

// Terminate stops a RUNNING task and records it as TERMINATED. It returns
// ErrAlreadyTerminal for finished tasks and ErrUnknownTask for unknown ids.
func (e *Engine) Terminate(_ context.Context, id string) error {
	return e.finish(id, model.StatusTerminated, model.ErrorResult(model.ResultManualTermination), true)
}

// TerminateAll stops every RUNNING task of the named function and returns how
// many were terminated.
func (e *Engine) TerminateAll(ctx context.Context, name string) (int, error) {
	if _, err := e.registry.Lookup(name); err != nil {
		return 0, err
	}
	reqs := stopRequests(e.liveIDs(name), model.StatusTerminated, model.ErrorResult(model.ResultManualTermination))
	return e.stopAll(ctx, reqs)
}

// liveIDs returns the ids of RUNNING tasks, optionally limited to one function.
func (e *Engine) liveIDs(function string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for id, ent := range e.live {
		if ent.status != model.StatusRunning {
			continue
		}
		if function != "" && ent.function != function {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// stopRequest asks for one live task to be stopped with a given outcome.
type stopRequest struct {
	id     string
	status string
	result json.RawMessage
}

func stopRequests(ids []string, status string, result json.RawMessage) []stopRequest {
	reqs := make([]stopRequest, len(ids))
	for i, id := range ids {
		reqs[i] = stopRequest{id: id, status: status, result: result}
	}
	return reqs
}

// stopAll terminates workers concurrently and records each request's
// outcome, skipping tasks that finished in the meantime. It returns how many
// tasks it stopped.
func (e *Engine) stopAll(ctx context.Context, reqs []stopRequest) (int, error) {
	var mu sync.Mutex
	stopped := 0

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, req := range reqs {
		g.Go(func() error {
			err := e.finish(req.id, req.status, req.result, true)
			if errors.Is(err, ErrAlreadyTerminal) || errors.Is(err, ErrUnknownTask) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			stopped++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return stopped, err
}

// Get returns the current record of a task.
func (e *Engine) Get(ctx context.Context, id string) (*model.Task, error) {
	t, err := e.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// IsDone reports whether a task has reached a terminal status.
func (e *Engine) IsDone(ctx context.Context, id string) (bool, error) {
	t, err := e.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return t.Done(), nil
}

// ListByFunction returns every recorded task of the named function in
// submission order.
func (e *Engine) ListByFunction(ctx context.Context, name string) ([]*model.Task, error) {
	if _, err := e.registry.Lookup(name); err != nil {
		return nil, err
	}
	tasks, err := e.store.ListTasks(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	return tasks, nil
}

// RunningCount returns the number of RUNNING tasks of the named function.
func (e *Engine) RunningCount(name string) (int, error) {
	if _, err := e.registry.Lookup(name); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[name], nil
}

// Accepting reports whether the engine still admits submissions.
func (e *Engine) Accepting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closing
}

// TotalRunning returns the number of RUNNING tasks across all functions.
func (e *Engine) TotalRunning() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, c := range e.running {
		n += c
	}
	return n
}

// Stats returns aggregate statistics over the recorded tasks.
func (e *Engine) Stats(ctx context.Context) (*store.TaskStats, error) {
	stats, err := e.store.GetTaskStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	return stats, nil
}

// SubscribeLogs streams worker log lines of a task. The channel is closed when
// the task finishes; for finished tasks it holds whatever backlog is left.
func (e *Engine) SubscribeLogs(ctx context.Context, id string) (<-chan string, func(), error) {
	t, err := e.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if t.Done() && !e.broker.Exists(id) {
		ch := make(chan string)
		close(ch)
		return ch, func() {}, nil
	}
	ch, unsub := e.broker.Subscribe(id)
	return ch, unsub, nil
}

// Await blocks until the task reaches a terminal status or ctx is done.
func (e *Engine) Await(ctx context.Context, id string) (*model.Task, error) {
	e.mu.Lock()
	ent, ok := e.live[id]
	e.mu.Unlock()

	if ok {
		select {
		case <-ent.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Get(context.WithoutCancel(ctx), id)
}

// Shutdown stops accepting submissions and winds down RUNNING tasks. In join
// mode it waits for them until ctx is done; whatever is still running then,
// or everything in terminate mode, is terminated.
func (e *Engine) Shutdown(ctx context.Context, mode string) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	// No submission can be admitted once closing is set, so this only waits
	// for workers that are already starting.
	e.admitting.Wait()

	if mode == ShutdownJoin {
		e.logger.Info("waiting for running tasks", "count", len(e.liveIDs("")))
		e.joinLive(ctx)
	}

	reqs := stopRequests(e.liveIDs(""), model.StatusTerminated, model.ErrorResult(model.ResultManualTermination))
	n, err := e.stopAll(context.Background(), reqs)
	if n > 0 {
		e.logger.Info("terminated running tasks at shutdown", "count", n)
	}

	e.wg.Wait()
	return err
}

// joinLive waits for every live entry to finish or ctx to end.
func (e *Engine) joinLive(ctx context.Context) {
	e.mu.Lock()
	dones := make([]chan struct{}, 0, len(e.live))
	for _, ent := range e.live {
		dones = append(dones, ent.done)
	}
	e.mu.Unlock()

	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}
