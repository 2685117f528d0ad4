package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	rtsup "jobsched/internal/runtime/supervisor"
	logx "jobsched/pkg/logx"
)

// Pool is a fixed set of execution units fed from one FIFO queue. A unit is
// busy exactly while it holds a request; there is no separate idle flag.
type Pool struct {
	mu  sync.Mutex
	cfg Config
	reg *Registry
	log logx.Logger
	bus eventbus.Publisher

	q        chan *request
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	killed   chan struct{}
	stopDone chan struct{}

	alive     atomic.Int64
	busy      atomic.Int64
	crashes   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

type request struct {
	task       Task
	enqueuedAt time.Time
	done       chan outcome // buffered(1); written exactly once
}

type outcome struct {
	res Result
	err error
}

func (r *request) finish(o outcome) {
	select {
	case r.done <- o:
	default:
	}
}

func New(cfg Config, reg *Registry, log logx.Logger, bus eventbus.Publisher) *Pool {
	if reg == nil {
		reg = NewRegistry()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Pool{cfg: cfg.withDefaults(), reg: reg, log: log, bus: bus}
}

func (p *Pool) Registry() *Registry { return p.reg }

// Config returns the effective config, defaults applied.
func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Start launches the units. It is idempotent; if a Stop is in progress it
// waits for it first.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh != nil {
		done := p.stopDone
		p.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		p.mu.Lock()
		if p.stopCh != nil {
			p.mu.Unlock()
			return
		}
	}

	cfg := p.cfg
	p.q = make(chan *request, cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.killed = make(chan struct{})
	p.stopDone = nil
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q, stopCh := p.sup, p.q, p.stopCh
	p.mu.Unlock()

	for i := 0; i < cfg.Units; i++ {
		idx := i
		// A crashed unit re-panics; the supervisor starts its replacement.
		sup.GoRestart(fmt.Sprintf("unit.%d", idx), func(c context.Context) error {
			return p.unit(c, idx, stopCh, q)
		}, rtsup.WithRestartBackoff(cfg.RestartBackoff, 20*cfg.RestartBackoff))
	}
	p.log.Info("worker pool started", logx.Int("units", cfg.Units), logx.Int("queue", cfg.QueueSize))
}

// Submit queues t and waits for its Result. The error return is reserved for
// admission and shutdown: ErrStopped, ErrStopping, ErrDrainTimeout or ctx.Err().
func (p *Pool) Submit(ctx context.Context, t Task) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	q, stopCh, killed, stopping := p.q, p.stopCh, p.killed, p.stopDone != nil
	p.mu.Unlock()
	if q == nil || stopCh == nil {
		return Result{}, ErrStopped
	}
	if stopping {
		return Result{}, ErrStopping
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	req := &request{task: t, enqueuedAt: time.Now(), done: make(chan outcome, 1)}
	select {
	case q <- req:
	case <-stopCh:
		return Result{}, ErrStopping
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case o := <-req.done:
		return o.res, o.err
	case <-killed:
		return Result{}, ErrDrainTimeout
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pool) unit(ctx context.Context, idx int, stopCh <-chan struct{}, q chan *request) error {
	p.alive.Add(1)
	var cur *request
	defer func() {
		p.alive.Add(-1)
		r := recover()
		if r == nil {
			return
		}
		p.crashes.Add(1)
		cerr := &CrashError{Unit: idx, Value: r, Stack: debug.Stack()}
		if cur != nil {
			p.busy.Add(-1)
			p.failed.Add(1)
			cur.finish(outcome{res: Result{Err: cerr, Duration: time.Since(cur.enqueuedAt)}})
			p.bus.Publish(eventbus.Event{Type: job.EventCrash, Data: job.Event{
				JobID: cur.task.JobID, JobName: cur.task.JobName, JobType: cur.task.Type, Err: cerr.Error(),
			}})
		}
		panic(r)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return context.Canceled
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return context.Canceled
		case req := <-q:
			// Stop may have raced with the receive; queued work never starts after Stop.
			select {
			case <-stopCh:
				req.finish(outcome{err: ErrStopped})
				continue
			default:
			}
			cur = req
			p.busy.Add(1)
			res := p.exec(ctx, idx, req)
			p.busy.Add(-1)
			cur = nil
			req.finish(outcome{res: res})
		}
	}
}

func (p *Pool) exec(ctx context.Context, idx int, req *request) Result {
	t := req.task
	start := time.Now()
	h, ok := p.reg.Lookup(t.Type)
	if !ok {
		p.failed.Add(1)
		return Result{Err: job.UnknownType(t.Type)}
	}

	runCtx := ctx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	p.log.Debug("task.started", logx.Int("unit", idx), logx.Int64("job_id", t.JobID), logx.String("job_type", t.Type),
		logx.Duration("queue_delay", start.Sub(req.enqueuedAt)))
	msg, err := h(runCtx, t)
	res := Result{Message: msg, Err: err, Duration: time.Since(start)}
	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	return res
}

// Stop stops admission, rejects queued tasks with ErrStopped and waits for
// running tasks up to the drain timeout (or ctx). Stragglers then have their
// contexts canceled and their callers receive ErrDrainTimeout.
func (p *Pool) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return nil
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup, q, killed, drain := p.sup, p.q, p.killed, p.cfg.DrainTimeout
	p.mu.Unlock()

	rejected := rejectQueued(q)

	go func() {
		_ = sup.Wait(context.Background())
		sup.Cancel()
		// A Submit that raced past the admission check may still be queued.
		rejectQueued(q)
		p.mu.Lock()
		p.q = nil
		p.stopCh = nil
		p.killed = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(drain)
	defer timer.Stop()
	var err error
	select {
	case <-done:
		p.log.Info("worker pool stopped", logx.Int("rejected", rejected))
		return nil
	case <-timer.C:
		err = ErrDrainTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	close(killed)
	sup.Cancel()
	p.log.Warn("worker pool stop timed out; canceled running tasks",
		logx.Int64("busy", p.busy.Load()), logx.Int("rejected", rejected), logx.Err(err))
	return err
}

func rejectQueued(q chan *request) int {
	n := 0
	for {
		select {
		case req := <-q:
			req.finish(outcome{err: ErrStopped})
			n++
		default:
			return n
		}
	}
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	q, units, running := p.q, p.cfg.Units, p.stopCh != nil && p.stopDone == nil
	p.mu.Unlock()
	s := Snapshot{
		Running:   running,
		Units:     units,
		Alive:     p.alive.Load(),
		Busy:      p.busy.Load(),
		Crashes:   p.crashes.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
	if q != nil {
		s.QueueLen = len(q)
		s.QueueCap = cap(q)
	}
	return s
}

// Rejected reports whether Submit turned the task away before a unit picked
// it up, so its body never ran. ErrDrainTimeout is not a rejection: the task
// was running when the pool gave up on it.
func Rejected(err error) bool {
	return errors.Is(err, ErrStopped) || errors.Is(err, ErrStopping)
}
