package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"jobsched/internal/job"
	"jobsched/internal/storage"
	"jobsched/internal/task/executor"
	"jobsched/internal/task/pool"
	logx "jobsched/pkg/logx"
)

func TestTickAdmitsOnlyFreeCapacity(t *testing.T) {
	t.Parallel()
	st := &fakeStore{jobs: jobs(1, 2, 3, 4, 5)}
	rn := &fakeRunner{gate: make(chan struct{})}
	s := New(Config{MaxConcurrentJobs: 2}, st, rn, logx.Nop())
	ctx := context.Background()

	tick := func(want int) {
		t.Helper()
		n, err := s.Tick(ctx)
		if err != nil || n != want {
			t.Fatalf("Tick = %d, %v; want %d, nil", n, err, want)
		}
		if got := s.Snapshot().InFlight; got > 2 {
			t.Fatalf("InFlight = %d, exceeds MaxConcurrentJobs 2", got)
		}
	}

	tick(2)
	tick(0)
	tick(0)
	if got := st.calls.Load(); got != 1 {
		t.Fatalf("QueryDueJobs calls = %d, want 1 while at capacity", got)
	}
	if got := s.Snapshot().Saturated; got != 2 {
		t.Fatalf("Saturated = %d, want 2", got)
	}

	// Finishing one run frees exactly one slot.
	rn.gate <- struct{}{}
	waitFor(t, "one run to finish", func() bool { return s.Snapshot().InFlight == 1 })
	tick(1)
	st.mu.Lock()
	last := st.limits[len(st.limits)-1]
	st.mu.Unlock()
	if last != 1 {
		t.Fatalf("limit = %d, want 1", last)
	}

	close(rn.gate)
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// A claimed job must never sit in the pool queue long enough for the
// reclaimer to release it and a later tick to run it a second time.
func TestQueuedJobIsNotRunTwiceAfterReclaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	st, err := storage.Open(ctx, storage.Config{
		Driver: storage.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "jobs.db"),
		Now:    clk.Now,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	var (
		mu   sync.Mutex
		runs = map[string]int{}
	)
	gate := make(chan struct{})
	reg := pool.NewRegistry()
	if err := reg.Register("block", func(ctx context.Context, tk pool.Task) (string, error) {
		mu.Lock()
		runs[tk.JobName]++
		mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "done", nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	count := func(name string) int {
		mu.Lock()
		defer mu.Unlock()
		return runs[name]
	}

	p := pool.New(pool.Config{Units: 1, QueueSize: 8, RestartBackoff: time.Millisecond}, reg, logx.Nop(), nil)
	p.Start(ctx)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = p.Stop(sctx)
	})

	ex := executor.New(executor.Config{Now: clk.Now}, st, p, logx.Nop(), nil)
	s := New(Config{MaxConcurrentJobs: 1}, st, ex, logx.Nop())

	a, err := st.Create(ctx, job.Spec{Name: "a", Type: "block", Priority: 10})
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, err := st.Create(ctx, job.Spec{Name: "b", Type: "block", Priority: 1})
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}

	if n, err := s.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("first Tick = %d, %v; want 1, nil", n, err)
	}
	waitFor(t, "job a to start", func() bool { return count("a") == 1 })
	if n, _ := s.Tick(ctx); n != 0 {
		t.Fatalf("Tick at capacity dispatched %d", n)
	}
	if got, err := st.Get(ctx, b.ID); err != nil || got.IsLocked {
		t.Fatalf("job b locked while pool is busy: %+v, %v", got, err)
	}

	clk.Advance(31 * time.Second)
	reclaimed, err := st.ReclaimStuck(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("ReclaimStuck: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1 (only the running job)", reclaimed)
	}
	for i := 0; i < 2; i++ {
		if n, _ := s.Tick(ctx); n != 0 {
			t.Fatalf("Tick after reclaim dispatched %d while a is running", n)
		}
	}
	if got := s.Snapshot().InFlight; got != 1 {
		t.Fatalf("InFlight = %d, want 1", got)
	}

	close(gate)
	waitFor(t, "job a to finish", func() bool { return s.Snapshot().InFlight == 0 })
	if n, err := s.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("Tick after a finished = %d, %v; want 1, nil", n, err)
	}
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if count("a") != 1 || count("b") != 1 {
		t.Fatalf("executions a=%d b=%d, want 1 each", count("a"), count("b"))
	}
	for _, id := range []int64{a.ID, b.ID} {
		got, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %d: %v", id, err)
		}
		if got.Status != job.StatusCompleted || got.IsLocked {
			t.Fatalf("job %s = status %s locked %v, want completed and unlocked", got.Name, got.Status, got.IsLocked)
		}
	}
}
