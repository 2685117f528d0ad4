package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobsched/internal/handlers"
	"jobsched/internal/job"
	"jobsched/internal/storage"
	"jobsched/internal/task/executor"
	"jobsched/internal/task/pool"
	"jobsched/internal/task/reclaim"
	"jobsched/internal/task/retention"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
)

// Settings is Config resolved into the typed configs each component takes.
type Settings struct {
	Production bool
	Logging    logx.Config
	Storage    storage.Config
	RedisURL   string
	RedisKey   string
	RedisFlush time.Duration
	Scheduler  scheduler.Config
	Pool       pool.Config
	Executor   executor.Config
	Reclaim    reclaim.Config
	Retention  []retention.Rule
	Handlers   handlers.Config
	API        API
	MemGuard   MemGuard
}

type API struct {
	Enabled         bool
	Addr            string
	RateLimit       int
	RateLimitWindow time.Duration
	JWTSecret       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Pprof           bool
}

type MemGuard struct {
	Threshold uint64
	Every     time.Duration
}

// Resolve validates cfg and converts it. Every problem is reported, not
// just the first.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		cfg = Default()
	}
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := duration(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	var s Settings
	s.Production = strings.EqualFold(strings.TrimSpace(cfg.App.Env), "production")

	level := strings.TrimSpace(cfg.Logging.Level)
	if level != "" && !logx.ValidLevel(level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", level))
	}
	s.Logging = logx.Config{
		Level:   level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON || s.Production,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}

	if u := strings.TrimSpace(cfg.Database.URL); u != "" {
		sc, err := storage.ParseURL(u)
		if err != nil {
			errs = append(errs, fmt.Errorf("database.url: %w", err))
		}
		s.Storage = sc
	} else {
		s.Storage = storage.Config{Driver: strings.TrimSpace(cfg.Database.Driver), Path: strings.TrimSpace(cfg.Database.Path)}
		switch s.Storage.Driver {
		case "", storage.DriverSQLite:
		default:
			errs = append(errs, fmt.Errorf("database.driver: %q needs database.url", s.Storage.Driver))
		}
	}
	s.Storage.BusyTimeout = dur("database.busy_timeout", cfg.Database.BusyTimeout, 0)
	s.Storage.MaxOpenConns = cfg.Database.MaxOpenConns

	s.RedisURL = strings.TrimSpace(cfg.Redis.URL)
	s.RedisKey = strings.TrimSpace(cfg.Redis.Key)
	s.RedisFlush = dur("redis.flush_every", cfg.Redis.FlushEvery, 5*time.Second)

	workers := cfg.Pool.Workers
	if workers < 0 {
		errs = append(errs, errors.New("pool.workers: must be >= 0"))
	}
	if workers <= 0 {
		workers = scheduler.DefaultMaxConcurrentJobs
	}
	s.Pool = pool.Config{
		Units:          workers,
		QueueSize:      cfg.Pool.QueueSize,
		DrainTimeout:   dur("pool.drain_timeout", cfg.Pool.DrainTimeout, 0),
		TaskTimeout:    dur("pool.task_timeout", cfg.Pool.TaskTimeout, 0),
		RestartBackoff: dur("pool.restart_backoff", cfg.Pool.RestartBackoff, 0),
	}
	s.Scheduler = scheduler.Config{
		Interval:          dur("scheduler.interval", cfg.Scheduler.Interval, scheduler.DefaultInterval),
		MaxConcurrentJobs: workers,
		Timezone:          strings.TrimSpace(cfg.Scheduler.Timezone),
	}
	if tz := s.Scheduler.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	s.Executor = executor.Config{
		History:         cfg.Executor.History == nil || *cfg.Executor.History,
		FinalizeTimeout: dur("executor.finalize_timeout", cfg.Executor.FinalizeTimeout, 0),
	}
	s.Reclaim = reclaim.Config{
		Timeout: dur("reclaim.lock_timeout", cfg.Reclaim.LockTimeout, reclaim.DefaultTimeout),
		Period:  dur("reclaim.period", cfg.Reclaim.Period, reclaim.DefaultPeriod),
	}

	for i, r := range cfg.Retention {
		path := fmt.Sprintf("retention[%d]", i)
		rule := retention.Rule{
			Status:   job.Status(strings.TrimSpace(r.Status)),
			MaxAge:   dur(path+".max_age", r.MaxAge, 0),
			Schedule: strings.TrimSpace(r.Schedule),
		}
		if rule.Schedule == "" {
			rule.Schedule = "@daily"
		}
		if _, err := scheduler.ParseSchedule(rule.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
		}
		s.Retention = append(s.Retention, rule)
	}
	if err := retention.Validate(s.Retention); err != nil {
		errs = append(errs, err)
	}

	hd := handlers.DefaultConfig()
	s.Handlers = handlers.Config{
		EmailDelay:      dur("handlers.email_delay", cfg.Handlers.EmailDelay, hd.EmailDelay),
		ProcessingDelay: dur("handlers.processing_delay", cfg.Handlers.ProcessingDelay, hd.ProcessingDelay),
		Email: handlers.EmailConfig{
			SES:    cfg.Handlers.Email.SES,
			Region: strings.TrimSpace(cfg.Handlers.Email.Region),
			From:   strings.TrimSpace(cfg.Handlers.Email.From),
		},
		Webhook: handlers.WebhookConfig{
			Timeout: dur("handlers.webhook.timeout", cfg.Handlers.Webhook.Timeout, hd.Webhook.Timeout),
			Retries: cfg.Handlers.Webhook.Retries,
		},
	}
	if s.Handlers.Email.SES && s.Handlers.Email.From == "" {
		errs = append(errs, errors.New("handlers.email.from: required when ses is enabled"))
	}

	s.API = API{
		Enabled:         cfg.API.Enabled,
		Addr:            strings.TrimSpace(cfg.API.Addr),
		RateLimit:       cfg.API.RateLimit,
		RateLimitWindow: dur("api.rate_limit_window", cfg.API.RateLimitWindow, time.Minute),
		JWTSecret:       cfg.API.JWTSecret,
		ReadTimeout:     dur("api.read_timeout", cfg.API.ReadTimeout, 10*time.Second),
		WriteTimeout:    dur("api.write_timeout", cfg.API.WriteTimeout, 30*time.Second),
		Pprof:           cfg.API.Pprof,
	}
	if s.API.Enabled && s.API.Addr == "" {
		s.API.Addr = "127.0.0.1:3000"
	}
	if s.API.RateLimit < 0 {
		errs = append(errs, errors.New("api.rate_limit: must be >= 0"))
	}

	mb := cfg.MemGuard.ThresholdMB
	if mb <= 0 {
		mb = 200
	}
	s.MemGuard = MemGuard{
		Threshold: uint64(mb) << 20,
		Every:     dur("memguard.every", cfg.MemGuard.Every, time.Minute),
	}

	if err := errors.Join(errs...); err != nil {
		return Settings{}, fmt.Errorf("invalid config: %w", err)
	}
	return s, nil
}
