package adminapi

import (
	"bytes"
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"jobsched/internal/job"
	"jobsched/internal/monitor"
	"jobsched/internal/task/pool"
)

type healthBody struct {
	Status    string            `json:"status"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
	Pool      *pool.Snapshot    `json:"pool,omitempty"`
	Scheduler *schedulerView    `json:"scheduler,omitempty"`
}

type schedulerView struct {
	Running    bool              `json:"running"`
	Interval   string            `json:"interval"`
	Ticks      uint64            `json:"ticks"`
	TickErrors uint64            `json:"tickErrors"`
	Saturated  uint64            `json:"saturated"`
	InFlight   int64             `json:"inFlight"`
	Outcomes   map[string]uint64 `json:"outcomes"`
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	body := healthBody{
		Status: "ok",
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
		Checks: make(map[string]string, len(s.deps.Checks)),
	}
	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.deps.Checks[name](ctx); err != nil {
			body.Status = "unavailable"
			body.Checks[name] = err.Error()
			continue
		}
		body.Checks[name] = "ok"
	}
	if s.deps.Pool != nil {
		snap := s.deps.Pool()
		body.Pool = &snap
	}
	if s.deps.Scheduler != nil {
		snap := s.deps.Scheduler()
		body.Scheduler = &schedulerView{
			Running:    snap.Running,
			Interval:   snap.Interval.String(),
			Ticks:      snap.Ticks,
			TickErrors: snap.TickErrors,
			Saturated:  snap.Saturated,
			InFlight:   snap.InFlight,
			Outcomes:   snap.Outcomes,
		}
	}

	code := http.StatusOK
	if body.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, body)
}

func (s *Server) metrics(c echo.Context) error {
	gauges, err := s.gauges(c.Request().Context())
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := s.deps.Monitor.WritePrometheus(&buf, gauges...); err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

func (s *Server) gauges(ctx context.Context) ([]monitor.Gauge, error) {
	var out []monitor.Gauge
	if s.deps.Store != nil {
		counts, locked, err := s.deps.Store.Counts(ctx)
		if err != nil {
			return nil, err
		}
		for _, st := range []job.Status{job.StatusPending, job.StatusCompleted, job.StatusFailed} {
			out = append(out, monitor.Gauge{
				Name:   "jobs",
				Help:   "Jobs in the store, by status.",
				Labels: map[string]string{"status": string(st)},
				Value:  float64(counts[st]),
			})
		}
		out = append(out, monitor.Gauge{Name: "jobs_locked", Help: "Jobs currently holding an execution lock.", Value: float64(locked)})
	}
	if s.deps.Pool != nil {
		p := s.deps.Pool()
		out = append(out,
			monitor.Gauge{Name: "worker_pool_units", Help: "Configured execution units.", Value: float64(p.Units)},
			monitor.Gauge{Name: "worker_pool_busy", Help: "Units currently running a task.", Value: float64(p.Busy)},
			monitor.Gauge{Name: "worker_pool_queue_length", Help: "Tasks waiting for a free unit.", Value: float64(p.QueueLen)},
		)
	}
	if s.deps.Scheduler != nil {
		out = append(out, monitor.Gauge{
			Name: "scheduler_in_flight", Help: "Executor runs started by ticks that have not finished.",
			Value: float64(s.deps.Scheduler().InFlight),
		})
	}
	return out, nil
}
