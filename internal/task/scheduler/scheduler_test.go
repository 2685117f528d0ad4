package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobsched/internal/job"
	"jobsched/internal/task/executor"
	logx "jobsched/pkg/logx"
)

type fakeStore struct {
	mu     sync.Mutex
	jobs   []job.Job
	err    error
	calls  atomic.Int32
	limits []int
}

func (f *fakeStore) QueryDueJobs(_ context.Context, limit int) ([]job.Job, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	n := min(limit, len(f.jobs))
	return append([]job.Job(nil), f.jobs[:n]...), nil
}

type fakeRunner struct {
	mu    sync.Mutex
	ran   []int64
	gate  chan struct{}
	start chan int64
}

func (r *fakeRunner) Run(ctx context.Context, j job.Job) executor.Outcome {
	if r.start != nil {
		r.start <- j.ID
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return executor.Aborted
		}
	}
	r.mu.Lock()
	r.ran = append(r.ran, j.ID)
	r.mu.Unlock()
	return executor.Succeeded
}

func (r *fakeRunner) Ran() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ran...)
}

func jobs(ids ...int64) []job.Job {
	out := make([]job.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, job.Job{ID: id, Name: "j", Type: "email", Status: job.StatusPending})
	}
	return out
}

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

func TestTickAdmitsUpToLimit(t *testing.T) {
	t.Parallel()
	st := &fakeStore{jobs: jobs(1, 2, 3, 4, 5)}
	rn := &fakeRunner{}
	s := New(Config{MaxConcurrentJobs: 2}, st, rn, logx.Nop())

	n, err := s.Tick(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("Tick = %d, %v; want 2, nil", n, err)
	}
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	got := rn.Ran()
	if len(got) != 2 {
		t.Fatalf("ran = %v, want 2 jobs", got)
	}
	seen := map[int64]bool{got[0]: true, got[1]: true}
	if !seen[1] || !seen[2] {
		t.Fatalf("ran = %v, want jobs 1 and 2", got)
	}
	if st.limits[0] != 2 {
		t.Fatalf("limit = %d, want 2", st.limits[0])
	}
	snap := s.Snapshot()
	if snap.Dispatched != 2 || snap.Outcomes["succeeded"] != 2 || snap.InFlight != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestTickDoesNotWaitForRuns(t *testing.T) {
	t.Parallel()
	rn := &fakeRunner{gate: make(chan struct{})}
	s := New(Config{MaxConcurrentJobs: 3}, &fakeStore{jobs: jobs(7)}, rn, logx.Nop())

	done := make(chan struct{})
	go func() {
		_, _ = s.Tick(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Tick blocked on a running job")
	}
	if got := s.Snapshot().InFlight; got != 1 {
		t.Fatalf("InFlight = %d, want 1", got)
	}
	close(rn.gate)
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestTickStoreErrorSkipsTick(t *testing.T) {
	t.Parallel()
	st := &fakeStore{jobs: jobs(1), err: job.ErrStoreUnavailable}
	rn := &fakeRunner{}
	s := New(Config{}, st, rn, logx.Nop())

	n, err := s.Tick(context.Background())
	if !errors.Is(err, job.ErrStoreUnavailable) || n != 0 {
		t.Fatalf("Tick = %d, %v; want 0, ErrStoreUnavailable", n, err)
	}
	if len(rn.Ran()) != 0 {
		t.Fatal("runner called after failed query")
	}
	if snap := s.Snapshot(); snap.TickErrors != 1 || snap.Ticks != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStartTicksUntilStopped(t *testing.T) {
	t.Parallel()
	st := &fakeStore{err: job.ErrStoreUnavailable}
	s := New(Config{Interval: 10 * time.Millisecond}, st, &fakeRunner{}, logx.Nop())
	s.Start(context.Background())

	// Failing ticks never end the loop.
	waitFor(t, "three ticks", func() bool { return st.calls.Load() >= 3 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	after := st.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := st.calls.Load(); got != after {
		t.Fatalf("ticks after Stop: %d -> %d", after, got)
	}
	if s.Snapshot().Running {
		t.Fatal("Running after Stop")
	}
}

func TestApplyChangesInterval(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	s := New(Config{Interval: time.Hour}, st, &fakeRunner{}, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	time.Sleep(30 * time.Millisecond)
	if st.calls.Load() != 0 {
		t.Fatal("ticked before the first hour")
	}
	s.Apply(Config{Interval: 10 * time.Millisecond})
	waitFor(t, "tick at new interval", func() bool { return st.calls.Load() >= 2 })
}

func TestWaitBoundedCancelsRuns(t *testing.T) {
	t.Parallel()
	rn := &fakeRunner{gate: make(chan struct{})}
	s := New(Config{Interval: time.Hour}, &fakeStore{jobs: jobs(1)}, rn, logx.Nop())
	s.Start(context.Background())
	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	s.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
	// The canceled run returns on its own.
	waitFor(t, "run canceled", func() bool { return s.Snapshot().Outcomes["aborted"] == 1 })
}

func TestAddEntries(t *testing.T) {
	t.Parallel()
	s := New(Config{Interval: time.Hour}, &fakeStore{}, &fakeRunner{}, logx.Nop())
	noop := func(context.Context) error { return nil }

	if err := s.Add("retention.completed", "@daily", noop); err != nil {
		t.Fatalf("Add @daily: %v", err)
	}
	if err := s.Add("reclaim", "30s", noop); err != nil {
		t.Fatalf("Add 30s: %v", err)
	}
	if err := s.Add("reclaim", "every:45s", noop); err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	for _, tc := range []struct{ name, spec string }{
		{"bad", "61 * * * *"},
		{"", "@daily"},
		{"tick", "@daily"},
		{"neg", "-5s"},
	} {
		if err := s.Add(tc.name, tc.spec, noop); err == nil {
			t.Fatalf("Add(%q, %q) succeeded, want error", tc.name, tc.spec)
		}
	}

	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	entries := s.Snapshot().Entries
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want 2", entries)
	}
	byName := map[string]EntryInfo{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	if byName["reclaim"].Spec != "@every 45s" {
		t.Fatalf("reclaim spec = %q, want replaced interval", byName["reclaim"].Spec)
	}
	if sp := byName["reclaim"].Spread; sp < 0 || sp >= 30*time.Second {
		t.Fatalf("spread = %v, want [0, 30s)", sp)
	}
	if byName["retention.completed"].Next.IsZero() {
		t.Fatal("cron entry has no next run")
	}
	if !s.Remove("reclaim") || s.Remove("reclaim") {
		t.Fatal("Remove should report existence once")
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		kind    SpecKind
		every   time.Duration
		cron    string
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@weekly", kind: SpecCron, cron: "@weekly"},
		{in: "cron: 0 3 * * *", kind: SpecCron, cron: "0 3 * * *"},
		{in: "30s", kind: SpecInterval, every: 30 * time.Second},
		{in: "@every 2h30m", kind: SpecInterval, every: 150 * time.Minute},
		{in: "every: 1m", kind: SpecInterval, every: time.Minute},
		{in: "", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "cron:", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
			}
			if got.Kind != tt.kind || got.Every != tt.every || got.Cron != tt.cron {
				t.Fatalf("ParseSchedule(%q) = %+v", tt.in, got)
			}
		})
	}
}
