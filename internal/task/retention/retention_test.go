package retention

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"jobsched/internal/job"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

type registrar struct {
	mu      sync.Mutex
	entries map[string]string
}

func (r *registrar) Add(name, schedule string, _ func(context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = map[string]string{}
	}
	r.entries[name] = schedule
	return nil
}

func (r *registrar) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	return ok
}

func TestApplyRegistersAndRemovesEntries(t *testing.T) {
	t.Parallel()
	reg := &registrar{}
	s := New(nil, reg, logx.Nop())

	if err := s.Apply(DefaultRules()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if reg.entries["retention.completed"] != "@daily" || reg.entries["retention.failed"] != "@weekly" {
		t.Fatalf("entries = %v", reg.entries)
	}

	if err := s.Apply([]Rule{{Status: job.StatusFailed, MaxAge: time.Hour, Schedule: "1h"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, ok := reg.entries["retention.completed"]; ok || reg.entries["retention.failed"] != "1h" {
		t.Fatalf("entries after reapply = %v", reg.entries)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		rules []Rule
		ok    bool
	}{
		{"defaults", DefaultRules(), true},
		{"empty", nil, true},
		{"unknown status", []Rule{{Status: "archived", MaxAge: time.Hour}}, false},
		{"zero age", []Rule{{Status: job.StatusCompleted}}, false},
		{"duplicate", []Rule{{Status: job.StatusFailed, MaxAge: time.Hour}, {Status: job.StatusFailed, MaxAge: 2 * time.Hour}}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := Validate(tt.rules); (err == nil) != tt.ok {
				t.Fatalf("Validate = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestPruneUsesMaxAgePerStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{
		Driver: storage.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "jobs.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	j, err := st.Create(ctx, job.Spec{Name: "x", Type: "email"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	add := func(status job.Status, age time.Duration) {
		t.Helper()
		if _, err := st.AppendHistory(ctx, job.History{JobID: j.ID, Status: status, CreatedAt: now.Add(-age)}); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}
	add(job.StatusCompleted, 25*time.Hour)
	add(job.StatusCompleted, time.Hour)
	add(job.StatusFailed, 25*time.Hour)
	add(job.StatusFailed, 8*24*time.Hour)

	s := New(st, nil, logx.Nop())
	s.now = func() time.Time { return now }
	if err := s.Apply(DefaultRules()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	n, err := s.PruneAll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("PruneAll = %d, %v; want 2, nil", n, err)
	}
	left, err := st.ListHistory(ctx, j.ID, 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("history left = %+v, want 2 rows", left)
	}
	for _, h := range left {
		if now.Sub(h.CreatedAt) > 24*time.Hour && h.Status == job.StatusCompleted {
			t.Fatalf("stale completed row survived: %+v", h)
		}
	}
}
