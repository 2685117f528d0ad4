package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jobsched/internal/job"
)

func noEnv(string) (string, bool) { return "", false }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const baseConfig = `
logging:
  level: error
  console: true
database:
  driver: sqlite
  path: {{DB}}
scheduler:
  interval: {{INTERVAL}}
pool:
  workers: 2
  drain_timeout: 2s
handlers:
  email_delay: 1ms
  processing_delay: 1ms
api:
  enabled: false
memguard:
  every: 1h
`

func writeConfig(t *testing.T, dir, interval string) string {
	t.Helper()
	body := strings.NewReplacer("{{DB}}", filepath.Join(dir, "jobs.db"), "{{INTERVAL}}", interval).Replace(baseConfig)
	p := filepath.Join(dir, "jobsched.yaml")
	// Write then rename so the watcher never sees a half-written file.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		t.Fatalf("rename config: %v", err)
	}
	return p
}

func startApp(t *testing.T, dir, interval string) *App {
	t.Helper()
	p := writeConfig(t, dir, interval)
	a, err := New(context.Background(), p, WithEnv(noEnv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func TestAppRunsDueJobs(t *testing.T) {
	t.Parallel()
	a := startApp(t, t.TempDir(), "20ms")
	ctx := context.Background()

	oneShot, err := a.Store().Create(ctx, job.Spec{Name: "welcome", Type: "email", Data: map[string]any{"subject": "hi"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	none := 0
	unknown, err := a.Store().Create(ctx, job.Spec{Name: "fax", Type: "fax", MaxRetries: &none})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitFor(t, "email job completed", func() bool {
		j, err := a.Store().Get(ctx, oneShot.ID)
		return err == nil && j.Status == job.StatusCompleted && !j.IsLocked
	})
	waitFor(t, "unknown type failed", func() bool {
		j, err := a.Store().Get(ctx, unknown.ID)
		return err == nil && j.Status == job.StatusFailed && !j.IsLocked
	})

	hist, err := a.Store().ListHistory(ctx, oneShot.ID, 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].Result != "Email sent successfully" {
		t.Fatalf("history = %+v", hist)
	}
	j, _ := a.Store().Get(ctx, unknown.ID)
	if !strings.Contains(j.LastError, "unknown job type") {
		t.Fatalf("LastError = %q", j.LastError)
	}
	waitFor(t, "monitor counted outcomes", func() bool {
		c := a.mon.Counters()
		return c.Succeeded >= 1 && c.Failed >= 1
	})
}

func TestReloadAppliesSchedulerInterval(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := startApp(t, dir, "1s")
	if got := a.sched.Snapshot().Interval; got != time.Second {
		t.Fatalf("Interval = %v, want 1s", got)
	}

	writeConfig(t, dir, "150ms")
	waitFor(t, "interval reloaded", func() bool {
		return a.sched.Snapshot().Interval == 150*time.Millisecond
	})
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()
	p := writeConfig(t, t.TempDir(), "1s")
	a, err := New(context.Background(), p, WithEnv(noEnv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("Stop = %v, want nil", err)
	}
}
