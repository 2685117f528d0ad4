package executor

import (
	"context"
	"errors"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/task/pool"
	logx "jobsched/pkg/logx"
)

// Store is the slice of the job store the executor drives.
type Store interface {
	Get(ctx context.Context, id int64) (job.Job, error)
	Claim(ctx context.Context, id int64) error
	Unlock(ctx context.Context, id int64) error
	UpdateStatus(ctx context.Context, id int64, st job.Status) error
	UpdateRetry(ctx context.Context, id int64, retryCount int) error
	UpdateNextRun(ctx context.Context, id int64, next *time.Time) error
	UpdateLastError(ctx context.Context, id int64, msg string) error
	UpdateLastRun(ctx context.Context, id int64, at time.Time) error
	AppendHistory(ctx context.Context, h job.History) (int64, error)
}

// Runner executes a task body; *pool.Pool satisfies it.
type Runner interface {
	Submit(ctx context.Context, t pool.Task) (pool.Result, error)
}

type Config struct {
	// History appends one job_history row per finished attempt.
	History bool
	// FinalizeTimeout bounds the state writes after an attempt. They run
	// detached from the caller's cancellation so a finished attempt is
	// still recorded during shutdown.
	FinalizeTimeout time.Duration
	Now             func() time.Time
}

// Outcome is what a single Run did.
type Outcome int

const (
	// LockLost: another claimant holds the job. Expected and frequent.
	LockLost Outcome = iota
	// Skipped: the claimed row was no longer due and was released untouched.
	Skipped
	Succeeded
	// Retrying: the attempt failed and the job is pending again.
	Retrying
	// Failed: the attempt failed and retries are exhausted.
	Failed
	// Rejected: the pool refused the task while shutting down; the job was released.
	Rejected
	// Aborted: an infrastructure error; the job stays locked for the reclaimer.
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case LockLost:
		return "lock_lost"
	case Skipped:
		return "skipped"
	case Succeeded:
		return "succeeded"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	case Rejected:
		return "rejected"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type Executor struct {
	cfg    Config
	store  Store
	runner Runner
	log    logx.Logger
	bus    eventbus.Publisher
	now    func() time.Time
}

func New(cfg Config, store Store, runner Runner, log logx.Logger, bus eventbus.Publisher) *Executor {
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Executor{cfg: cfg, store: store, runner: runner, log: log, bus: bus, now: now}
}

// Run drives one job through claim, dispatch and finalize. Handler failures
// are folded into the retry state machine; infrastructure failures are logged
// and leave the job locked.
func (e *Executor) Run(ctx context.Context, j job.Job) Outcome {
	log := e.log.With(logx.Int64("job_id", j.ID), logx.String("job_name", j.Name), logx.String("job_type", j.Type))

	if err := e.store.Claim(ctx, j.ID); err != nil {
		if errors.Is(err, job.ErrLockNotAcquired) {
			log.Debug("job.lock_lost", logx.Err(err))
			return LockLost
		}
		log.Error("job.lock_error", logx.Err(err))
		return Aborted
	}

	// The tick's snapshot may be stale; act on the row we now own.
	cur, err := e.store.Get(ctx, j.ID)
	if errors.Is(err, job.ErrNotFound) {
		log.Debug("job.deleted_after_claim")
		return Skipped
	}
	if err != nil {
		log.Error("job.reload_failed; leaving locked", logx.Err(err))
		return Aborted
	}
	if cur.Status != job.StatusPending || (cur.NextRun != nil && cur.NextRun.After(e.now())) {
		log.Debug("job.not_due", logx.String("status", string(cur.Status)))
		e.release(ctx, log, cur.ID)
		return Skipped
	}

	e.bus.Publish(eventbus.Event{Type: job.EventClaimed, Data: e.event(cur, cur.Status, cur.RetryCount, nil, 0)})
	res, err := e.runner.Submit(ctx, pool.Task{JobID: cur.ID, JobName: cur.Name, Type: cur.Type, Data: cur.Data})
	if err != nil {
		if pool.Rejected(err) {
			log.Info("job.dispatch_rejected", logx.Err(err))
			e.release(ctx, log, cur.ID)
			return Rejected
		}
		log.Error("job.dispatch_failed; leaving locked", logx.Err(err))
		return Aborted
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FinalizeTimeout)
	defer cancel()
	if res.Err == nil {
		return e.succeed(fctx, log, cur, res)
	}
	return e.fail(fctx, log, cur, res)
}

func (e *Executor) succeed(ctx context.Context, log logx.Logger, j job.Job, res pool.Result) Outcome {
	now := e.now()
	status := job.StatusCompleted
	if j.Recurring && j.CronSchedule != "" {
		next, err := job.NextRecurring(j.CronSchedule, j.NextRun, now)
		if err != nil {
			log.Error("job.cron_invalid; completing", logx.String("cron", j.CronSchedule), logx.Err(err))
		} else {
			if err := e.store.UpdateNextRun(ctx, j.ID, &next); err != nil {
				return e.abort(log, "update next run", err)
			}
			status = job.StatusPending
		}
	}
	if err := e.store.UpdateStatus(ctx, j.ID, status); err != nil {
		return e.abort(log, "update status", err)
	}
	if err := e.store.UpdateLastRun(ctx, j.ID, now); err != nil {
		return e.abort(log, "update last run", err)
	}
	e.history(ctx, log, job.History{JobID: j.ID, Status: job.StatusCompleted, Result: res.Message})
	if err := e.store.Unlock(ctx, j.ID); err != nil {
		return e.abort(log, "unlock", err)
	}

	log.Info("job.succeeded", logx.String("status", string(status)), logx.Duration("took", res.Duration))
	e.bus.Publish(eventbus.Event{Type: job.EventSucceeded, Data: e.event(j, status, j.RetryCount, nil, res.Duration)})
	return Succeeded
}

func (e *Executor) fail(ctx context.Context, log logx.Logger, j job.Job, res pool.Result) Outcome {
	now := e.now()
	retry := j.RetryCount + 1
	if retry > j.MaxRetries {
		retry = j.MaxRetries
	}
	msg := res.Err.Error()

	if err := e.store.UpdateRetry(ctx, j.ID, retry); err != nil {
		return e.abort(log, "update retry", err)
	}
	if err := e.store.UpdateLastError(ctx, j.ID, msg); err != nil {
		return e.abort(log, "update last error", err)
	}

	out, status := Failed, job.StatusFailed
	if retry < j.MaxRetries {
		next := now
		if j.Recurring && j.CronSchedule != "" {
			if n, err := job.NextRecurring(j.CronSchedule, j.NextRun, now); err == nil {
				next = n
			}
		}
		if err := e.store.UpdateNextRun(ctx, j.ID, &next); err != nil {
			return e.abort(log, "update next run", err)
		}
		out, status = Retrying, job.StatusPending
	}
	if err := e.store.UpdateStatus(ctx, j.ID, status); err != nil {
		return e.abort(log, "update status", err)
	}
	e.history(ctx, log, job.History{JobID: j.ID, Status: job.StatusFailed, Error: msg})
	if err := e.store.Unlock(ctx, j.ID); err != nil {
		return e.abort(log, "unlock", err)
	}

	fields := []logx.Field{logx.Int("retry", retry), logx.Int("max_retries", j.MaxRetries), logx.Err(res.Err)}
	if errors.Is(res.Err, job.ErrWorkerCrash) {
		fields = append(fields, logx.Bool("crash", true))
	}
	if out == Retrying {
		log.Warn("job.failed; retry scheduled", fields...)
	} else {
		log.Error("job.failed; retries exhausted", fields...)
	}
	e.bus.Publish(eventbus.Event{Type: job.EventFailed, Data: e.event(j, status, retry, res.Err, res.Duration)})
	return out
}

func (e *Executor) abort(log logx.Logger, step string, err error) Outcome {
	log.Error("job.finalize_failed; leaving locked", logx.String("step", step), logx.Err(err))
	return Aborted
}

func (e *Executor) release(ctx context.Context, log logx.Logger, id int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FinalizeTimeout)
	defer cancel()
	if err := e.store.Unlock(ctx, id); err != nil {
		log.Error("job.unlock_failed", logx.Err(err))
	}
}

func (e *Executor) history(ctx context.Context, log logx.Logger, h job.History) {
	if !e.cfg.History {
		return
	}
	h.CreatedAt = e.now()
	if _, err := e.store.AppendHistory(ctx, h); err != nil {
		log.Warn("job.history_failed", logx.Err(err))
	}
}

// event snapshots j for the bus; retry is the count as persisted by this attempt.
func (e *Executor) event(j job.Job, st job.Status, retry int, err error, took time.Duration) job.Event {
	ev := job.Event{JobID: j.ID, JobName: j.Name, JobType: j.Type, Status: st, Retry: retry, Duration: took}
	if err != nil {
		ev.Err = err.Error()
	}
	return ev
}
