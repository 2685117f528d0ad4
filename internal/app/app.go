package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobsched/internal/adminapi"
	"jobsched/internal/config"
	"jobsched/internal/eventbus"
	"jobsched/internal/monitor"
	"jobsched/internal/runtime/memguard"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/executor"
	"jobsched/internal/task/pool"
	"jobsched/internal/task/reclaim"
	"jobsched/internal/task/retention"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
	"jobsched/pkg/systemd"
)

const memguardEntry = "memguard"

type App struct {
	instance string

	cfgm     *config.ConfigManager
	settings config.Settings
	sup      *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store       *storage.Store
	closeMirror func() error

	reg       *pool.Registry
	pool      *pool.Pool
	exec      *executor.Executor
	sched     *scheduler.Scheduler
	reclaimer *reclaim.Reclaimer
	retention *retention.Service
	guard     *memguard.Guard
	mon       *monitor.Monitor
	api       *adminapi.Server
}

type options struct {
	lookup func(string) (string, bool)
}

type Option func(*options)

// WithEnv replaces the environment lookup used for config overrides.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(o *options) { o.lookup = lookup }
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	cfgm := config.NewConfigManager(cfgPath)
	if o.lookup != nil {
		cfgm.SetEnv(o.lookup)
	}
	_, s, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	instance := uuid.NewString()
	logSvc, log := logx.New(s.Logging)
	log = log.With(logx.String("instance", instance[:8]))
	a := &App{
		instance: instance,
		cfgm:     cfgm,
		settings: s,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      eventbus.New(),
	}
	fail := func(err error) (*App, error) {
		a.closeResources()
		return nil, err
	}

	if a.store, err = OpenStore(ctx, s, log); err != nil {
		return fail(err)
	}
	mirror, closeMirror, err := newMirror(ctx, s)
	if err != nil {
		return fail(err)
	}
	a.closeMirror = closeMirror
	if a.reg, err = NewRegistry(ctx, s, log); err != nil {
		return fail(err)
	}

	a.pool = pool.New(s.Pool, a.reg, log.With(logx.String("comp", "pool")), a.bus)
	a.exec = executor.New(s.Executor, a.store, a.pool, log.With(logx.String("comp", "executor")), a.bus)
	a.sched = scheduler.New(s.Scheduler, a.store, a.exec, log.With(logx.String("comp", "scheduler")))
	a.reclaimer = reclaim.New(s.Reclaim, a.store, log.With(logx.String("comp", "reclaim")), a.bus)
	a.retention = retention.New(a.store, a.sched, log.With(logx.String("comp", "retention")))
	if err := a.retention.Apply(s.Retention); err != nil {
		return fail(err)
	}
	a.guard = memguard.New(s.MemGuard.Threshold, log.With(logx.String("comp", "memguard")))
	if err := a.sched.Add(memguardEntry, s.MemGuard.Every.String(), a.guard.Check); err != nil {
		return fail(err)
	}
	a.mon = monitor.New(log.With(logx.String("comp", "monitor")), mirror)

	if s.API.Enabled {
		checks := map[string]func(context.Context) error{"database": a.store.Ping}
		if s.RedisURL != "" {
			checks["redis"] = a.mon.Ping
		}
		a.api = adminapi.New(apiConfig(s.API), adminapi.Deps{
			Store:     a.store,
			Types:     a.reg,
			Monitor:   a.mon,
			Checks:    checks,
			Pool:      a.pool.Snapshot,
			Scheduler: a.sched.Snapshot,
		}, log.With(logx.String("comp", "adminapi")))
	}
	return a, nil
}

func apiConfig(c config.API) adminapi.Config {
	return adminapi.Config{
		Addr:            c.Addr,
		RateLimit:       c.RateLimit,
		RateLimitWindow: c.RateLimitWindow,
		JWTSecret:       c.JWTSecret,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		Pprof:           c.Pprof,
	}
}

func (a *App) Store() *storage.Store { return a.store }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	// reloadLoop owns a.settings once it runs.
	s := a.settings
	var ln net.Listener
	if a.api != nil {
		// Bind before anything runs so a taken port fails Start.
		var err error
		if ln, err = net.Listen("tcp", s.API.Addr); err != nil {
			return fmt.Errorf("admin api listen: %w", err)
		}
	}

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if cfg.Logging.File.Enabled {
			p := strings.TrimSpace(cfg.Logging.File.Path)
			if p == "" {
				return errors.New("logging.file.path: required when file logging is enabled")
			}
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return fmt.Errorf("logging.file.path: %w", err)
			}
		}
		return nil
	})

	// The pool and scheduler are stopped explicitly in Stop; they must not die
	// with the supervisor context or running jobs would lose their drain window.
	detached := context.WithoutCancel(a.sup.Context())
	a.pool.Start(detached)
	a.sched.Start(detached)

	a.sup.GoRestart("reclaim", a.reclaimer.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go("monitor", func(c context.Context) error {
		return a.mon.Run(c, a.bus, s.RedisFlush)
	})
	if ln != nil {
		a.sup.Go("adminapi", func(c context.Context) error { return a.api.Serve(c, ln) })
	}
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.RunWatchdog(c, a.store.Ping)
	})

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		_, _ = systemd.Status("scheduling jobs")
	}
	a.log.Info("app started",
		logx.String("store", a.store.Driver()),
		logx.String("types", strings.Join(a.reg.Types(), ",")),
		logx.Int("workers", s.Pool.Units),
		logx.Bool("api", a.api != nil),
		logx.Bool("redis", s.RedisURL != ""),
	)
	return nil
}

// Stop shuts down in dependency order: no new ticks, drain the pool, let
// in-flight executor runs finalize, then stop background loops and close
// the store.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	drain := a.pool.Config().DrainTimeout
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("pool", drain+time.Second, a.pool.Stop)
	step("executor", 5*time.Second, a.sched.Wait)

	a.sup.Cancel()
	step("supervisor", 6*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.closeStores() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return a.sup.Err()
}

func (a *App) closeStores() error {
	var errs []error
	if a.closeMirror != nil {
		errs = append(errs, a.closeMirror())
		a.closeMirror = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() {
	_ = a.closeStores()
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
