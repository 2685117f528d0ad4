package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"jobsched/internal/job"
	"jobsched/internal/task/executor"
	logx "jobsched/pkg/logx"
)

const tickEntry = "tick"

type Scheduler struct {
	mu sync.Mutex

	cfg    Config
	store  Store
	runner Runner
	log    logx.Logger

	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	tickID cron.EntryID
	defs   []entry

	// Executor runs outlive the tick that launched them; they use this
	// context, not the cron job's.
	runCtx    context.Context
	runCancel context.CancelFunc
	runs      sync.WaitGroup
	inFlight  atomic.Int64

	ticks      atomic.Uint64
	tickErrors atomic.Uint64
	saturated  atomic.Uint64
	dispatched atomic.Uint64
	outcomes   [executor.Aborted + 1]atomic.Uint64
}

func New(cfg Config, store Store, runner Runner, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		store:  store,
		runner: runner,
		log:    log,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply swaps the config of a running scheduler. A new interval re-registers
// the tick; a new timezone restarts the cron runner with every entry.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
		return
	}
	if old.Interval != cfg.Interval {
		s.c.Remove(s.tickID)
		s.tickID = s.c.Schedule(every{cfg.Interval}, s.tickJobLocked())
		s.log.Info("tick interval changed", logx.Duration("from", old.Interval), logx.Duration("to", cfg.Interval))
	}
}

// Start begins ticking. Calling it on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.startLocked()
	s.log.Info("scheduler started",
		logx.Duration("interval", s.cfg.Interval),
		logx.Int("max_concurrent_jobs", s.cfg.MaxConcurrentJobs),
		logx.String("tz", s.loc.String()),
		logx.Int("entries", len(s.defs)),
	)
}

func (s *Scheduler) startLocked() {
	s.loc = loadLocation(s.cfg.Timezone, s.log)
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.tickID = s.c.Schedule(every{s.cfg.Interval}, s.tickJobLocked())
	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("entry register failed", logx.String("name", s.defs[i].name), logx.String("spec", s.defs[i].spec), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Scheduler) restartLocked() {
	old := s.c
	s.c = nil
	old.Stop()
	for i := range s.defs {
		s.defs[i].id = 0
	}
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

func (s *Scheduler) tickJobLocked() cron.Job {
	ctx := s.runCtx
	return cron.FuncJob(func() {
		if _, err := s.Tick(ctx); err != nil {
			s.log.Warn("tick skipped", logx.Err(err))
		}
	})
}

// Stop stops ticking and maintenance entries. It waits (bounded by ctx) for
// an in-progress tick or entry to return, but not for executor runs; use
// Wait for those after the pool has stopped.
func (s *Scheduler) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].id = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)), logx.Int64("in_flight", s.inFlight.Load()))
}

// Wait blocks until executor runs launched by ticks have returned. Call it
// after Stop. If ctx ends first the remaining runs have their contexts
// canceled.
func (s *Scheduler) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		cancel := s.runCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return ctx.Err()
	}
}

// Tick runs one discovery pass and reports how many jobs it dispatched. The
// dispatched runs continue after Tick returns.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.ticks.Add(1)
	s.mu.Lock()
	capacity := s.cfg.MaxConcurrentJobs
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = context.WithoutCancel(ctx)
	}

	// Only free capacity is claimed; a claimed job must never queue behind a
	// busy pool while its lock ages.
	inFlight := int(s.inFlight.Load())
	limit := capacity - inFlight
	if limit <= 0 {
		s.saturated.Add(1)
		s.log.Debug("tick skipped; at capacity", logx.Int("in_flight", inFlight), logx.Int("max", capacity))
		return 0, nil
	}

	due, err := s.store.QueryDueJobs(ctx, limit)
	if err != nil {
		s.tickErrors.Add(1)
		return 0, fmt.Errorf("query due jobs: %w", err)
	}
	for _, j := range due {
		s.dispatch(runCtx, j)
	}
	if len(due) > 0 {
		s.log.Debug("tick dispatched", logx.Int("jobs", len(due)), logx.Int("limit", limit))
	}
	return len(due), nil
}

func (s *Scheduler) dispatch(ctx context.Context, j job.Job) {
	s.dispatched.Add(1)
	s.inFlight.Add(1)
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.inFlight.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("executor panic", logx.Int64("job_id", j.ID), logx.String("job_name", j.Name), logx.Any("panic", r))
			}
		}()
		out := s.runner.Run(ctx, j)
		if int(out) >= 0 && int(out) < len(s.outcomes) {
			s.outcomes[out].Add(1)
		}
	}()
}

// Add registers (or replaces, by name) a maintenance entry. schedule accepts
// anything ParseSchedule does. Entries never overlap with themselves.
func (s *Scheduler) Add(name, schedule string, fn func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("entry name required")
	}
	if name == tickEntry {
		return fmt.Errorf("entry name %q is reserved", name)
	}
	if fn == nil {
		return errors.New("entry func required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	e := entry{name: name, spec: ps.Cron, fn: fn}
	if ps.Kind == SpecInterval {
		e.every = ps.Every
		e.spec = "@every " + ps.Every.String()
	} else if _, err := s.parser.Parse(e.spec); err != nil {
		return fmt.Errorf("entry %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, e)
	d := &s.defs[len(s.defs)-1]
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(d); err != nil {
		return err
	}
	s.log.Debug("entry registered", logx.String("name", name), logx.String("spec", d.spec), logx.Duration("spread", d.spread))
	return nil
}

// Remove drops the named entry. It reports whether one existed.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Scheduler) removeLocked(name string) bool {
	for i := range s.defs {
		if s.defs[i].name != name {
			continue
		}
		if s.c != nil && s.defs[i].id != 0 {
			s.c.Remove(s.defs[i].id)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Scheduler) registerLocked(d *entry) error {
	var sched cron.Schedule
	if d.every > 0 {
		sched, d.spread = spreadFirstRun(d.every, time.Now().In(s.loc), d.name)
	} else {
		var err error
		if sched, err = s.parser.Parse(d.spec); err != nil {
			return err
		}
	}
	name, fn, ctx := d.name, d.fn, s.runCtx
	d.id = s.c.Schedule(sched, cron.FuncJob(func() {
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.log.Warn("entry failed", logx.String("entry", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		s.log.Trace("entry done", logx.String("entry", name), logx.Duration("took", time.Since(start)))
	}))
	return nil
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// every is a fixed-delay schedule without cron.Every's whole-second rounding.
type every struct{ d time.Duration }

func (e every) Next(t time.Time) time.Time { return t.Add(e.d) }
