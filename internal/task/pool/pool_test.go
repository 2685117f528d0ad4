package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startPool(t *testing.T, cfg Config, reg *Registry, bus eventbus.Publisher) *Pool {
	t.Helper()
	if cfg.RestartBackoff == 0 {
		cfg.RestartBackoff = time.Millisecond
	}
	p := New(cfg, reg, logx.Nop(), bus)
	p.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func mustRegister(t *testing.T, reg *Registry, typ string, h Handler) {
	t.Helper()
	if err := reg.Register(typ, h); err != nil {
		t.Fatalf("Register(%s): %v", typ, err)
	}
}

func okHandler(context.Context, Task) (string, error) { return "ok", nil }

func TestConcurrencyLimitedToUnits(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	release := make(chan struct{})
	var running, peak, started atomic.Int32
	mustRegister(t, reg, "block", func(ctx context.Context, _ Task) (string, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		started.Add(1)
		<-release
		running.Add(-1)
		return "done", nil
	})
	p := startPool(t, Config{Units: 2}, reg, nil)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			res, err := p.Submit(context.Background(), Task{Type: "block"})
			if err == nil {
				err = res.Err
			}
			errs <- err
		}()
	}

	waitFor(t, "two tasks running", func() bool { return started.Load() == 2 })
	waitFor(t, "third task queued", func() bool { return p.Snapshot().QueueLen == 1 })
	time.Sleep(30 * time.Millisecond)
	if got := started.Load(); got != 2 {
		t.Fatalf("started = %d, want 2 while both units are busy", got)
	}
	if snap := p.Snapshot(); snap.Busy != 2 {
		t.Fatalf("Busy = %d, want 2", snap.Busy)
	}

	release <- struct{}{}
	waitFor(t, "third task started", func() bool { return started.Load() == 3 })
	close(release)

	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("task %d: %v", i, err)
		}
	}
	if got := peak.Load(); got != 2 {
		t.Fatalf("peak concurrency = %d, want 2", got)
	}
}

func TestCrashFailsTaskAndReplacesUnit(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	mustRegister(t, reg, "crash", func(context.Context, Task) (string, error) { panic("kaboom") })
	mustRegister(t, reg, "ok", okHandler)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	p := startPool(t, Config{Units: 1}, reg, bus)

	res, err := p.Submit(context.Background(), Task{Type: "crash", JobID: 9})
	if err != nil {
		t.Fatalf("Submit crash: %v", err)
	}
	if !errors.Is(res.Err, job.ErrWorkerCrash) {
		t.Fatalf("Result.Err = %v, want ErrWorkerCrash", res.Err)
	}
	var ce *CrashError
	if !errors.As(res.Err, &ce) || ce.Unit != 0 || ce.Value != "kaboom" {
		t.Fatalf("crash error = %#v", res.Err)
	}

	select {
	case e := <-events:
		if e.Type != job.EventCrash || e.Data.(job.Event).JobID != 9 {
			t.Fatalf("event = %+v, want pool.crash for job 9", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no crash event published")
	}

	// The only unit died; this can only succeed on its replacement.
	res, err = p.Submit(context.Background(), Task{Type: "ok"})
	if err != nil || res.Err != nil || res.Message != "ok" {
		t.Fatalf("Submit after crash = %+v, %v", res, err)
	}
	snap := p.Snapshot()
	if snap.Crashes != 1 || snap.Alive != 1 {
		t.Fatalf("snapshot = %+v, want 1 crash and 1 alive unit", snap)
	}
}

func TestUnknownTypeIsTaskFailure(t *testing.T) {
	t.Parallel()
	p := startPool(t, Config{Units: 1}, NewRegistry(), nil)

	res, err := p.Submit(context.Background(), Task{Type: "fax"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !errors.Is(res.Err, job.ErrUnknownType) {
		t.Fatalf("Result.Err = %v, want ErrUnknownType", res.Err)
	}
	if snap := p.Snapshot(); snap.Crashes != 0 || snap.Failed != 1 {
		t.Fatalf("snapshot = %+v, want 0 crashes, 1 failed", snap)
	}
}

func TestQueueIsFIFO(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	gate := make(chan struct{})
	var (
		mu    sync.Mutex
		order []string
	)
	mustRegister(t, reg, "block", func(context.Context, Task) (string, error) {
		<-gate
		return "", nil
	})
	mustRegister(t, reg, "rec", func(_ context.Context, tk Task) (string, error) {
		mu.Lock()
		order = append(order, tk.JobName)
		mu.Unlock()
		return "", nil
	})
	p := startPool(t, Config{Units: 1}, reg, nil)

	var wg sync.WaitGroup
	submit := func(tk Task) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Submit(context.Background(), tk)
		}()
	}
	submit(Task{Type: "block"})
	waitFor(t, "blocker running", func() bool { return p.Snapshot().Busy == 1 })
	for i, name := range []string{"a", "b", "c"} {
		submit(Task{Type: "rec", JobName: name})
		want := i + 1
		waitFor(t, name+" queued", func() bool { return p.Snapshot().QueueLen == want })
	}
	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("order = %v, want [a b c]", order)
	}
}

func TestStopRejectsQueuedAndDrainsRunning(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	gate := make(chan struct{})
	mustRegister(t, reg, "block", func(context.Context, Task) (string, error) {
		<-gate
		return "finished", nil
	})
	p := startPool(t, Config{Units: 1, DrainTimeout: 3 * time.Second}, reg, nil)

	type out struct {
		res Result
		err error
	}
	running := make(chan out, 1)
	queued := make(chan out, 1)
	go func() {
		res, err := p.Submit(context.Background(), Task{Type: "block"})
		running <- out{res, err}
	}()
	waitFor(t, "task running", func() bool { return p.Snapshot().Busy == 1 })
	go func() {
		res, err := p.Submit(context.Background(), Task{Type: "block"})
		queued <- out{res, err}
	}()
	waitFor(t, "task queued", func() bool { return p.Snapshot().QueueLen == 1 })

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(context.Background()) }()

	if o := <-queued; !errors.Is(o.err, ErrStopped) {
		t.Fatalf("queued Submit err = %v, want ErrStopped", o.err)
	}
	if _, err := p.Submit(context.Background(), Task{Type: "block"}); !errors.Is(err, ErrStopping) {
		t.Fatalf("Submit during stop err = %v, want ErrStopping", err)
	}

	close(gate)
	if o := <-running; o.err != nil || o.res.Message != "finished" {
		t.Fatalf("running task = %+v, %v; want finished", o.res, o.err)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("Stop = %v, want nil", err)
	}
	if _, err := p.Submit(context.Background(), Task{Type: "block"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after stop err = %v, want ErrStopped", err)
	}
}

func TestStopDrainTimeout(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	mustRegister(t, reg, "hang", func(ctx context.Context, _ Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	p := startPool(t, Config{Units: 1, DrainTimeout: 50 * time.Millisecond}, reg, nil)

	errs := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), Task{Type: "hang"})
		errs <- err
	}()
	waitFor(t, "task running", func() bool { return p.Snapshot().Busy == 1 })

	if err := p.Stop(context.Background()); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("Stop = %v, want ErrDrainTimeout", err)
	}
	if err := <-errs; !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("Submit = %v, want ErrDrainTimeout", err)
	}
	waitFor(t, "units exited", func() bool {
		s := p.Snapshot()
		return !s.Running && s.Alive == 0
	})
}

func TestSubmitBeforeStart(t *testing.T) {
	t.Parallel()
	p := New(Config{Units: 1}, nil, logx.Nop(), nil)
	if _, err := p.Submit(context.Background(), Task{Type: "ok"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit = %v, want ErrStopped", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	mustRegister(t, reg, "email", okHandler)
	mustRegister(t, reg, "batch", okHandler)
	if err := reg.Register("email", okHandler); err == nil {
		t.Fatal("duplicate Register should fail")
	}
	if err := reg.Register(" ", okHandler); err == nil {
		t.Fatal("blank type should fail")
	}
	if !reg.Has("email") || reg.Has("fax") {
		t.Fatal("Has reported wrong membership")
	}
	if got := reg.Types(); len(got) != 2 || got[0] != "batch" || got[1] != "email" {
		t.Fatalf("Types = %v, want [batch email]", got)
	}
}

func TestRejected(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"stopped", ErrStopped, true},
		{"stopping wrapped", fmt.Errorf("submit: %w", ErrStopping), true},
		{"drain timeout ran", ErrDrainTimeout, false},
		{"caller canceled", context.Canceled, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Rejected(tt.err); got != tt.want {
				t.Fatalf("Rejected(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
