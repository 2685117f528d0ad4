// Package monitor turns job lifecycle events into counters and renders them
// in the Prometheus text exposition format.
package monitor

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

const (
	MetricProcessed = "jobs_processed_total"
	MetricSuccess   = "jobs_success_total"
	MetricFailed    = "jobs_failed_total"
	MetricReclaimed = "jobs_reclaimed_total"
	MetricCrashes   = "worker_crashes_total"
	MetricClaimed   = "jobs_claimed_total"
)

type Counters struct {
	Claimed   uint64
	Succeeded uint64
	Failed    uint64
	Reclaimed uint64
	Crashes   uint64
}

// Flat returns the counters keyed the way the mirror stores them.
func (c Counters) Flat() map[string]uint64 {
	return map[string]uint64{
		MetricClaimed:   c.Claimed,
		MetricSuccess:   c.Succeeded,
		MetricFailed:    c.Failed,
		MetricReclaimed: c.Reclaimed,
		MetricCrashes:   c.Crashes,
	}
}

// Gauge is a point-in-time value supplied by the caller at render time
// (pool occupancy, queue length, per-status job counts).
type Gauge struct {
	Name   string
	Help   string
	Labels map[string]string
	Value  float64
}

type Monitor struct {
	log    logx.Logger
	mirror Mirror

	claimed   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	reclaimed atomic.Uint64
	crashes   atomic.Uint64

	flushMu sync.Mutex
	flushed Counters
}

func New(log logx.Logger, mirror Mirror) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if mirror == nil {
		mirror = NopMirror{}
	}
	return &Monitor{log: log, mirror: mirror}
}

func (m *Monitor) Observe(e eventbus.Event) {
	ev, _ := e.Data.(job.Event)
	switch e.Type {
	case job.EventClaimed:
		m.claimed.Add(1)
	case job.EventSucceeded:
		m.succeeded.Add(1)
	case job.EventFailed:
		m.failed.Add(1)
		m.log.Warn("job failed", logx.Int64("job_id", ev.JobID), logx.String("job_name", ev.JobName), logx.String("err", ev.Err))
	case job.EventReclaimed:
		if ev.Count > 0 {
			m.reclaimed.Add(uint64(ev.Count))
		}
	case job.EventCrash:
		m.crashes.Add(1)
		m.log.Error("worker crashed", logx.Int64("job_id", ev.JobID), logx.String("job_name", ev.JobName), logx.String("err", ev.Err))
	}
}

func (m *Monitor) Counters() Counters {
	return Counters{
		Claimed:   m.claimed.Load(),
		Succeeded: m.succeeded.Load(),
		Failed:    m.failed.Load(),
		Reclaimed: m.reclaimed.Load(),
		Crashes:   m.crashes.Load(),
	}
}

// Run consumes bus events until ctx ends, flushing deltas to the mirror
// every flushEvery.
func (m *Monitor) Run(ctx context.Context, bus eventbus.Bus, flushEvery time.Duration) error {
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}
	events, unsub := bus.Subscribe(1024)
	defer unsub()
	t := time.NewTicker(flushEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			_ = m.Flush(fctx)
			cancel()
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(e)
		case <-t.C:
			if err := m.Flush(ctx); err != nil {
				m.log.Warn("metrics mirror flush failed", logx.Err(err))
			}
		}
	}
}

// Flush pushes counter increments since the last successful flush.
func (m *Monitor) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	cur := m.Counters()
	prev := m.flushed.Flat()
	delta := map[string]int64{}
	for k, v := range cur.Flat() {
		if d := int64(v - prev[k]); d > 0 {
			delta[k] = d
		}
	}
	if len(delta) == 0 {
		return nil
	}
	if err := m.mirror.Add(ctx, delta); err != nil {
		return err
	}
	m.flushed = cur
	return nil
}

func (m *Monitor) Ping(ctx context.Context) error { return m.mirror.Ping(ctx) }

// WritePrometheus renders counters followed by gauges.
func (m *Monitor) WritePrometheus(w io.Writer, gauges ...Gauge) error {
	c := m.Counters()
	pw := &promWriter{w: w}
	pw.family(MetricProcessed, "Jobs that finished an attempt, by outcome.", "counter")
	pw.sample(MetricProcessed, map[string]string{"status": "completed"}, float64(c.Succeeded))
	pw.sample(MetricProcessed, map[string]string{"status": "failed"}, float64(c.Failed))
	pw.single(MetricSuccess, "Successful job attempts.", "counter", float64(c.Succeeded))
	pw.single(MetricFailed, "Failed job attempts.", "counter", float64(c.Failed))
	pw.single(MetricClaimed, "Jobs claimed for execution.", "counter", float64(c.Claimed))
	pw.single(MetricReclaimed, "Stuck locks released by the reclaimer.", "counter", float64(c.Reclaimed))
	pw.single(MetricCrashes, "Worker units that crashed mid-task.", "counter", float64(c.Crashes))

	sort.SliceStable(gauges, func(i, j int) bool { return gauges[i].Name < gauges[j].Name })
	last := ""
	for _, g := range gauges {
		if g.Name != last {
			pw.family(g.Name, g.Help, "gauge")
			last = g.Name
		}
		pw.sample(g.Name, g.Labels, g.Value)
	}
	return pw.err
}

type promWriter struct {
	w   io.Writer
	err error
}

func (p *promWriter) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *promWriter) family(name, help, typ string) {
	if help != "" {
		p.printf("# HELP %s %s\n", name, help)
	}
	p.printf("# TYPE %s %s\n", name, typ)
}

func (p *promWriter) single(name, help, typ string, v float64) {
	p.family(name, help, typ)
	p.sample(name, nil, v)
}

func (p *promWriter) sample(name string, labels map[string]string, v float64) {
	if len(labels) == 0 {
		p.printf("%s %g\n", name, v)
		return
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	p.printf("%s{", name)
	for i, k := range keys {
		if i > 0 {
			p.printf(",")
		}
		p.printf("%s=%q", k, labels[k])
	}
	p.printf("} %g\n", v)
}
