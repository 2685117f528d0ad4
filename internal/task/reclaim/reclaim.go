// Package reclaim releases job locks whose holder has gone quiet for longer
// than the lock timeout. It is the only path by which a job claimed by a
// crashed or hung executor becomes runnable again.
package reclaim

import (
	"context"
	"sync/atomic"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultPeriod  = 30 * time.Second
)

type Store interface {
	ReclaimStuck(ctx context.Context, timeout time.Duration) (int64, error)
}

type Config struct {
	// Timeout is how long a lock may be held before it is considered stuck.
	Timeout time.Duration
	// Period is the sweep interval.
	Period time.Duration
}

type Reclaimer struct {
	store Store
	log   logx.Logger
	bus   eventbus.Publisher

	timeout atomic.Int64
	period  atomic.Int64
	wake    chan struct{}

	sweeps    atomic.Uint64
	failures  atomic.Uint64
	reclaimed atomic.Uint64
}

func New(cfg Config, store Store, log logx.Logger, bus eventbus.Publisher) *Reclaimer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	r := &Reclaimer{store: store, log: log, bus: bus, wake: make(chan struct{}, 1)}
	r.Apply(cfg)
	return r
}

// Apply updates timeout and period; a running loop picks up a new period
// immediately.
func (r *Reclaimer) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	r.timeout.Store(int64(cfg.Timeout))
	if old := r.period.Swap(int64(cfg.Period)); old != 0 && old != int64(cfg.Period) {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

func (r *Reclaimer) Timeout() time.Duration { return time.Duration(r.timeout.Load()) }

func (r *Reclaimer) Period() time.Duration { return time.Duration(r.period.Load()) }

// Sweep runs one reclaim pass. It changes nothing but the lock columns.
func (r *Reclaimer) Sweep(ctx context.Context) (int64, error) {
	r.sweeps.Add(1)
	timeout := r.Timeout()
	n, err := r.store.ReclaimStuck(ctx, timeout)
	if err != nil {
		r.failures.Add(1)
		r.log.Warn("reclaim sweep failed", logx.Duration("timeout", timeout), logx.Err(err))
		return 0, err
	}
	if n > 0 {
		r.reclaimed.Add(uint64(n))
		r.log.Info("reclaimed stuck jobs", logx.Int64("count", n), logx.Duration("timeout", timeout))
		r.bus.Publish(eventbus.Event{Type: job.EventReclaimed, Data: job.Event{Count: n}})
	} else {
		r.log.Trace("reclaim sweep: nothing stuck")
	}
	return n, nil
}

// Run sweeps every Period until ctx ends. A failed sweep is retried on the
// next period, never inline.
func (r *Reclaimer) Run(ctx context.Context) error {
	r.log.Info("reclaimer started", logx.Duration("period", r.Period()), logx.Duration("timeout", r.Timeout()))
	t := time.NewTimer(r.Period())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reclaimer stopped")
			return nil
		case <-r.wake:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			_, _ = r.Sweep(ctx)
		}
		t.Reset(r.Period())
	}
}

type Stats struct {
	Sweeps    uint64
	Failures  uint64
	Reclaimed uint64
	Timeout   time.Duration
	Period    time.Duration
}

func (r *Reclaimer) Stats() Stats {
	return Stats{
		Sweeps:    r.sweeps.Load(),
		Failures:  r.failures.Load(),
		Reclaimed: r.reclaimed.Load(),
		Timeout:   r.Timeout(),
		Period:    r.Period(),
	}
}
