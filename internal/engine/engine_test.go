package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/insight-technology/restful-functions/internal/backend"
	"github.com/insight-technology/restful-functions/internal/backend/inline"
	"github.com/insight-technology/restful-functions/internal/engine"
	"github.com/insight-technology/restful-functions/internal/job"
	"github.com/insight-technology/restful-functions/internal/model"
	"github.com/insight-technology/restful-functions/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// blockUntilCancelled runs until its context is cancelled.
func blockUntilCancelled(ctx context.Context, _ job.Args) (any, error) {
	job.Logf(ctx, "ready")
	<-ctx.Done()
	return nil, ctx.Err()
}

func testRegistry(t *testing.T) *job.Registry {
	t.Helper()
	reg := job.NewRegistry()
	reg.MustRegister(job.Definition{
		Name: "addition",
		Args: []job.ArgSpec{
			{Name: "x", Type: job.Integer, Required: true},
			{Name: "y", Type: job.Integer, Required: true},
		},
		MaxConcurrency: 1,
		Body: func(ctx context.Context, a job.Args) (any, error) {
			job.Logf(ctx, "adding %d and %d", a.Int("x"), a.Int("y"))
			return a.Int("x") + a.Int("y"), nil
		},
	})
	reg.MustRegister(job.Definition{
		Name:           "wait",
		MaxConcurrency: 2,
		Timeout:        50 * time.Millisecond,
		Body:           blockUntilCancelled,
	})
	reg.MustRegister(job.Definition{
		Name:           "fail",
		MaxConcurrency: 1,
		Body: func(context.Context, job.Args) (any, error) {
			return nil, errors.New("division by zero")
		},
	})
	reg.MustRegister(job.Definition{
		Name:           "brief",
		MaxConcurrency: 4,
		Body: func(ctx context.Context, _ job.Args) (any, error) {
			select {
			case <-time.After(50 * time.Millisecond):
				return "slept", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	return reg
}

func newTestEngine(t *testing.T, cfg engine.Config) (*engine.Engine, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	logger := discardLogger()
	eng := engine.New(testRegistry(t), inline.New(time.Second, logger), s, cfg, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx, engine.ShutdownTerminate)
	})
	return eng, s
}

func await(t *testing.T, eng *engine.Engine, id string) *model.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := eng.Await(ctx, id)
	if err != nil {
		t.Fatalf("Await(%s): %v", id, err)
	}
	return task
}

func TestSubmitHappyPath(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	id, err := eng.Submit(ctx, "addition", job.Args{"x": int64(1), "y": int64(2)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	task := await(t, eng, id)
	if task.Status != model.StatusDone {
		t.Fatalf("status = %q, want %q", task.Status, model.StatusDone)
	}
	if string(task.Result) != "3" {
		t.Errorf("result = %s, want 3", task.Result)
	}
	if task.Function != "addition" {
		t.Errorf("function = %q, want addition", task.Function)
	}
	if task.FinishedAt == nil || task.StartedAt == nil {
		t.Fatal("expected started_at and finished_at to be set")
	}

	done, err := eng.IsDone(ctx, id)
	if err != nil || !done {
		t.Errorf("IsDone = %v, %v; want true, nil", done, err)
	}
	if n, _ := eng.RunningCount("addition"); n != 0 {
		t.Errorf("RunningCount = %d after completion, want 0", n)
	}
}

func TestSubmitUnknownFunction(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})

	_, err := eng.Submit(context.Background(), "missing", nil)
	if !errors.Is(err, job.ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
}

func TestSubmitBodyError(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})

	id, err := eng.Submit(context.Background(), "fail", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	task := await(t, eng, id)
	if task.Status != model.StatusError {
		t.Fatalf("status = %q, want %q", task.Status, model.StatusError)
	}
	if task.ResultText() != "division by zero" {
		t.Errorf("result = %q, want %q", task.ResultText(), "division by zero")
	}
}

func TestSubmitConcurrencyCeiling(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	const attempts = 3
	var (
		mu       sync.Mutex
		accepted []string
		rejected []error
		wg       sync.WaitGroup
	)
	for range attempts {
		wg.Go(func() {
			id, err := eng.Submit(ctx, "wait", nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected = append(rejected, err)
				return
			}
			accepted = append(accepted, id)
		})
	}
	wg.Wait()

	if len(accepted) != 2 {
		t.Fatalf("accepted %d submissions, want 2", len(accepted))
	}
	if len(rejected) != 1 {
		t.Fatalf("rejected %d submissions, want 1", len(rejected))
	}

	var cerr *engine.ConcurrencyError
	if !errors.As(rejected[0], &cerr) {
		t.Fatalf("rejection = %v, want *ConcurrencyError", rejected[0])
	}
	if cerr.Error() != "Over Max Concurrency 2" {
		t.Errorf("message = %q, want %q", cerr.Error(), "Over Max Concurrency 2")
	}
	if !errors.Is(rejected[0], engine.ErrConcurrencyExceeded) {
		t.Error("expected rejection to match ErrConcurrencyExceeded")
	}

	tasks, err := eng.ListByFunction(ctx, "wait")
	if err != nil {
		t.Fatalf("ListByFunction: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("recorded %d tasks, want 2", len(tasks))
	}

	// A freed slot admits the next submission.
	if err := eng.Terminate(ctx, accepted[0]); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, err := eng.Submit(ctx, "wait", nil); err != nil {
		t.Errorf("Submit after terminate: %v", err)
	}
}

func TestTerminate(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	id, err := eng.Submit(ctx, "wait", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := eng.Terminate(ctx, id); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	task, err := eng.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != model.StatusTerminated {
		t.Fatalf("status = %q, want %q", task.Status, model.StatusTerminated)
	}
	if task.ResultText() != model.ResultManualTermination {
		t.Errorf("result = %q, want %q", task.ResultText(), model.ResultManualTermination)
	}

	// The terminal status is final.
	if err := eng.Terminate(ctx, id); !errors.Is(err, engine.ErrAlreadyTerminal) {
		t.Errorf("second Terminate = %v, want ErrAlreadyTerminal", err)
	}
	time.Sleep(20 * time.Millisecond)
	task, _ = eng.Get(ctx, id)
	if task.Status != model.StatusTerminated {
		t.Errorf("status changed to %q after terminate", task.Status)
	}
}

func TestTerminateUnknownTask(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})

	err := eng.Terminate(context.Background(), "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	if !errors.Is(err, engine.ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
	if _, err := eng.Get(context.Background(), "nope"); !errors.Is(err, engine.ErrUnknownTask) {
		t.Errorf("Get err = %v, want ErrUnknownTask", err)
	}
}

func TestTerminateFinishedTaskIsNoop(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	id, err := eng.Submit(ctx, "addition", job.Args{"x": int64(2), "y": int64(2)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	await(t, eng, id)

	if err := eng.Terminate(ctx, id); !errors.Is(err, engine.ErrAlreadyTerminal) {
		t.Fatalf("Terminate = %v, want ErrAlreadyTerminal", err)
	}
	task, _ := eng.Get(ctx, id)
	if task.Status != model.StatusDone {
		t.Errorf("status = %q, want %q", task.Status, model.StatusDone)
	}
}

func TestTerminateAll(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	for range 2 {
		if _, err := eng.Submit(ctx, "wait", nil); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	n, err := eng.TerminateAll(ctx, "wait")
	if err != nil {
		t.Fatalf("TerminateAll: %v", err)
	}
	if n != 2 {
		t.Errorf("terminated %d tasks, want 2", n)
	}

	tasks, _ := eng.ListByFunction(ctx, "wait")
	for _, task := range tasks {
		if task.Status != model.StatusTerminated {
			t.Errorf("task %s status = %q, want %q", task.ID, task.Status, model.StatusTerminated)
		}
	}

	if _, err := eng.TerminateAll(ctx, "missing"); !errors.Is(err, job.ErrUnknownJob) {
		t.Errorf("TerminateAll(missing) = %v, want ErrUnknownJob", err)
	}
}

func TestSweepTimesOutOverdueTasks(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{SweepInterval: time.Hour})
	ctx := context.Background()

	id, err := eng.Submit(ctx, "wait", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	other, err := eng.Submit(ctx, "addition", job.Args{"x": int64(0), "y": int64(0)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	await(t, eng, other)

	sw := engine.NewSweeper(eng, discardLogger())

	// Not yet overdue.
	n, err := sw.Sweep(ctx, time.Now())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept %d tasks before deadline, want 0", n)
	}

	n, err = sw.Sweep(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d tasks, want 1", n)
	}

	task, _ := eng.Get(ctx, id)
	if task.Status != model.StatusTimeout {
		t.Fatalf("status = %q, want %q", task.Status, model.StatusTimeout)
	}
	if task.ResultText() != "Timeout after 50ms" {
		t.Errorf("result = %q, want %q", task.ResultText(), "Timeout after 50ms")
	}

	done, _ := eng.Get(ctx, other)
	if done.Status != model.StatusDone {
		t.Errorf("finished task status changed to %q", done.Status)
	}
	if n, _ := eng.RunningCount("wait"); n != 0 {
		t.Errorf("RunningCount = %d, want 0", n)
	}
}

func TestSweepPurgesExpiredRecords(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{TaskRetention: time.Minute})
	ctx := context.Background()

	id, err := eng.Submit(ctx, "addition", job.Args{"x": int64(1), "y": int64(1)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	await(t, eng, id)

	sw := engine.NewSweeper(eng, discardLogger())
	if _, err := sw.Sweep(ctx, time.Now()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := eng.Get(ctx, id); err != nil {
		t.Fatalf("record purged before retention elapsed: %v", err)
	}

	if _, err := sw.Sweep(ctx, time.Now().Add(2*time.Minute)); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := eng.Get(ctx, id); !errors.Is(err, engine.ErrUnknownTask) {
		t.Errorf("Get after purge = %v, want ErrUnknownTask", err)
	}
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	id, err := eng.Submit(context.Background(), "wait", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- engine.NewSweeper(eng, discardLogger()).Run(ctx) }()

	task := await(t, eng, id)
	if task.Status != model.StatusTimeout {
		t.Errorf("status = %q, want %q", task.Status, model.StatusTimeout)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestCall(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	res := eng.Call(ctx, "wait", nil)
	if !res.Success || res.TaskID == "" {
		t.Fatalf("Call = %+v, want success with task id", res)
	}
	eng.Call(ctx, "wait", nil)

	res = eng.Call(ctx, "wait", nil)
	if res.Success || res.TaskID != "" {
		t.Fatalf("Call over ceiling = %+v, want rejection", res)
	}
	if res.Message != "Over Max Concurrency 2" {
		t.Errorf("message = %q, want %q", res.Message, "Over Max Concurrency 2")
	}

	res = eng.Call(ctx, "missing", nil)
	if res.Success || res.Message != "Unknown Function missing" {
		t.Errorf("Call(missing) = %+v", res)
	}
}

func TestCallBlocking(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	task, err := eng.CallBlocking(ctx, "addition", job.Args{"x": int64(20), "y": int64(22)}, 0)
	if err != nil {
		t.Fatalf("CallBlocking: %v", err)
	}
	if task.Status != model.StatusDone || string(task.Result) != "42" {
		t.Errorf("task = %s %s, want DONE 42", task.Status, task.Result)
	}

	task, err = eng.CallBlocking(ctx, "fail", nil, 0)
	if err != nil {
		t.Fatalf("CallBlocking: %v", err)
	}
	if task.Status != model.StatusError {
		t.Errorf("status = %q, want %q", task.Status, model.StatusError)
	}
}

func TestCallBlockingWaitTimeout(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	_, err := eng.CallBlocking(ctx, "wait", nil, 30*time.Millisecond)
	var werr *engine.WaitTimeoutError
	if !errors.As(err, &werr) {
		t.Fatalf("err = %v, want *WaitTimeoutError", err)
	}
	if !errors.Is(err, engine.ErrWaitTimeout) {
		t.Error("expected error to match ErrWaitTimeout")
	}

	// The task keeps running after the caller gives up.
	task, err := eng.Get(ctx, werr.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != model.StatusRunning {
		t.Errorf("status = %q, want %q", task.Status, model.StatusRunning)
	}
}

func TestCallBlockingUsesConfiguredBound(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{BlockingTimeout: 30 * time.Millisecond})

	_, err := eng.CallBlocking(context.Background(), "wait", nil, 0)
	if !errors.Is(err, engine.ErrWaitTimeout) {
		t.Fatalf("err = %v, want ErrWaitTimeout", err)
	}
}

func TestSubscribeLogs(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	id, err := eng.Submit(ctx, "addition", job.Args{"x": int64(1), "y": int64(2)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	await(t, eng, id)

	ch, unsub, err := eng.SubscribeLogs(ctx, id)
	if err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}
	defer unsub()

	got := drain(ch)
	if len(got) != 1 || got[0] != "adding 1 and 2" {
		t.Errorf("logs = %v, want [adding 1 and 2]", got)
	}

	if _, _, err := eng.SubscribeLogs(ctx, "nope"); !errors.Is(err, engine.ErrUnknownTask) {
		t.Errorf("SubscribeLogs(nope) = %v, want ErrUnknownTask", err)
	}
}

func TestShutdownJoinWaitsForTasks(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	id, err := eng.Submit(ctx, "brief", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx, engine.ShutdownJoin); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	task, _ := eng.Get(ctx, id)
	if task.Status != model.StatusDone {
		t.Errorf("status = %q, want %q", task.Status, model.StatusDone)
	}

	if _, err := eng.Submit(ctx, "brief", nil); !errors.Is(err, engine.ErrShuttingDown) {
		t.Errorf("Submit after shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestShutdownJoinTerminatesAfterDeadline(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	id, err := eng.Submit(ctx, "wait", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx, engine.ShutdownJoin); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	task, _ := eng.Get(ctx, id)
	if task.Status != model.StatusTerminated {
		t.Errorf("status = %q, want %q", task.Status, model.StatusTerminated)
	}
}

func TestShutdownTerminate(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})
	ctx := context.Background()

	var ids []string
	for range 2 {
		id, err := eng.Submit(ctx, "wait", nil)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, id)
	}

	if err := eng.Shutdown(ctx, engine.ShutdownTerminate); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, id := range ids {
		task, _ := eng.Get(ctx, id)
		if task.Status != model.StatusTerminated {
			t.Errorf("task %s status = %q, want %q", id, task.Status, model.StatusTerminated)
		}
	}
}

// slowStart delays every worker launch so a submission can be caught between
// admission and registration.
type slowStart struct {
	backend.Supervisor
	delay   time.Duration
	started chan struct{}
}

func (s *slowStart) Start(ctx context.Context, spec backend.WorkerSpec) (backend.Handle, error) {
	close(s.started)
	time.Sleep(s.delay)
	return s.Supervisor.Start(ctx, spec)
}

func TestShutdownCoversSubmissionInFlight(t *testing.T) {
	logger := discardLogger()
	sup := &slowStart{
		Supervisor: inline.New(time.Second, logger),
		delay:      50 * time.Millisecond,
		started:    make(chan struct{}),
	}
	eng := engine.New(testRegistry(t), sup, store.NewMemoryStore(), engine.Config{SweepInterval: time.Hour}, logger)
	ctx := context.Background()

	type submitted struct {
		id  string
		err error
	}
	result := make(chan submitted, 1)
	go func() {
		id, err := eng.Submit(ctx, "wait", nil)
		result <- submitted{id, err}
	}()

	<-sup.started
	if err := eng.Shutdown(ctx, engine.ShutdownTerminate); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got := <-result
	if got.err != nil {
		t.Fatalf("Submit: %v", got.err)
	}
	task, err := eng.Get(ctx, got.id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != model.StatusTerminated {
		t.Fatalf("status = %q after shutdown, want %q", task.Status, model.StatusTerminated)
	}
	if n, _ := eng.RunningCount("wait"); n != 0 {
		t.Errorf("RunningCount = %d after shutdown, want 0", n)
	}

	if _, err := eng.Submit(ctx, "wait", nil); !errors.Is(err, engine.ErrShuttingDown) {
		t.Errorf("Submit after shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestTerminateRacesSweep(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{SweepInterval: time.Hour})
	sw := engine.NewSweeper(eng, discardLogger())
	ctx := context.Background()

	for i := range 50 {
		id, err := eng.Submit(ctx, "wait", nil)
		if err != nil {
			t.Fatalf("round %d: Submit: %v", i, err)
		}

		var (
			wg       sync.WaitGroup
			termErr  error
			swept    int
			sweepErr error
		)
		start := make(chan struct{})
		wg.Go(func() {
			<-start
			termErr = eng.Terminate(ctx, id)
		})
		wg.Go(func() {
			<-start
			swept, sweepErr = sw.Sweep(ctx, time.Now().Add(time.Hour))
		})
		close(start)
		wg.Wait()

		if sweepErr != nil {
			t.Fatalf("round %d: Sweep: %v", i, sweepErr)
		}
		if termErr != nil && !errors.Is(termErr, engine.ErrAlreadyTerminal) {
			t.Fatalf("round %d: Terminate: %v", i, termErr)
		}

		terminated := termErr == nil
		timedOut := swept == 1
		if terminated == timedOut {
			t.Fatalf("round %d: terminate won = %v, sweep won = %v; want exactly one winner", i, terminated, timedOut)
		}

		task, err := eng.Get(ctx, id)
		if err != nil {
			t.Fatalf("round %d: Get: %v", i, err)
		}
		want := model.StatusTimeout
		if terminated {
			want = model.StatusTerminated
		}
		if task.Status != want {
			t.Fatalf("round %d: status = %q, want %q", i, task.Status, want)
		}
		if n, _ := eng.RunningCount("wait"); n != 0 {
			t.Fatalf("round %d: RunningCount = %d, want 0", i, n)
		}
	}
}

func TestListByFunctionEmpty(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Config{})

	tasks, err := eng.ListByFunction(context.Background(), "addition")
	if err != nil {
		t.Fatalf("ListByFunction: %v", err)
	}
	if tasks == nil || len(tasks) != 0 {
		t.Errorf("tasks = %v, want empty slice", tasks)
	}
	if _, err := eng.ListByFunction(context.Background(), "missing"); !errors.Is(err, job.ErrUnknownJob) {
		t.Errorf("err = %v, want ErrUnknownJob", err)
	}
}
