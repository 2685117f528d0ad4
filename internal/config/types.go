package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "30s", "24h"). Environment variables override
// selected fields after the file is read; see ApplyEnv.
type Config struct {
	App       AppConfig       `json:"app"`
	Logging   LoggingConfig   `json:"logging"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Pool      PoolConfig      `json:"pool"`
	Executor  ExecutorConfig  `json:"executor,omitempty"`
	Reclaim   ReclaimConfig   `json:"reclaim"`
	Retention []RetentionRule `json:"retention,omitempty"`
	Handlers  HandlersConfig  `json:"handlers,omitempty"`
	API       APIConfig       `json:"api"`
	MemGuard  MemGuardConfig  `json:"memguard,omitempty"`
}

type AppConfig struct {
	// Env is "development" or "production". Production switches console
	// logs to JSON.
	Env string `json:"env,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DatabaseConfig selects the job store. URL wins over Driver/Path.
//
// Examples:
//
//	"database": { "url": "postgres://jobs:secret@db/jobs?sslmode=disable" }
//	"database": { "driver": "sqlite", "path": "./data/jobsched.db" }
type DatabaseConfig struct {
	URL          string `json:"url,omitempty"`
	Driver       string `json:"driver,omitempty"`
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

type RedisConfig struct {
	URL string `json:"url,omitempty"`
	// Key is the hash the metrics mirror writes to.
	Key        string `json:"key,omitempty"`
	FlushEvery string `json:"flush_every,omitempty"`
}

type SchedulerConfig struct {
	// Interval is the tick period (default "1s").
	Interval string `json:"interval,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// PoolConfig sizes the worker pool. Workers is also the per-tick admission
// limit (maxConcurrentJobs).
type PoolConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DrainTimeout   string `json:"drain_timeout,omitempty"`
	TaskTimeout    string `json:"task_timeout,omitempty"`
	RestartBackoff string `json:"restart_backoff,omitempty"`
}

type ExecutorConfig struct {
	// History is a pointer so an omitted key keeps the default (on).
	History         *bool  `json:"history,omitempty"`
	FinalizeTimeout string `json:"finalize_timeout,omitempty"`
}

type ReclaimConfig struct {
	// LockTimeout is how long a claim may be held (default "30s").
	LockTimeout string `json:"lock_timeout,omitempty"`
	// Period is the sweep interval (default "30s").
	Period string `json:"period,omitempty"`
}

type RetentionRule struct {
	Status   string `json:"status"`
	MaxAge   string `json:"max_age"`
	Schedule string `json:"schedule"`
}

type HandlersConfig struct {
	EmailDelay      string        `json:"email_delay,omitempty"`
	ProcessingDelay string        `json:"processing_delay,omitempty"`
	Email           EmailConfig   `json:"email,omitempty"`
	Webhook         WebhookConfig `json:"webhook,omitempty"`
}

type EmailConfig struct {
	SES    bool   `json:"ses,omitempty"`
	Region string `json:"region,omitempty"`
	From   string `json:"from,omitempty"`
}

type WebhookConfig struct {
	Timeout string `json:"timeout,omitempty"`
	Retries int    `json:"retries,omitempty"`
}

// APIConfig controls the admin HTTP API.
//
// Security note: JWTSecret is never logged. With an empty secret the API is
// unauthenticated; bind it to a loopback address.
type APIConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr,omitempty"`
	RateLimit       int    `json:"rate_limit,omitempty"`
	RateLimitWindow string `json:"rate_limit_window,omitempty"`
	JWTSecret       string `json:"jwt_secret,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	// Pprof mounts /debug/pprof/ behind the same auth as the API.
	Pprof bool `json:"pprof,omitempty"`
}

type MemGuardConfig struct {
	ThresholdMB int    `json:"threshold_mb,omitempty"`
	Every       string `json:"every,omitempty"`
}

// Default is the configuration used when no file exists.
func Default() *Config {
	return &Config{
		App:       AppConfig{Env: "development"},
		Logging:   LoggingConfig{Level: "info", Console: true},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "./data/jobsched.db"},
		Scheduler: SchedulerConfig{Interval: "1s"},
		Pool:      PoolConfig{Workers: 5, QueueSize: 256, DrainTimeout: "10s"},
		Reclaim:   ReclaimConfig{LockTimeout: "30s", Period: "30s"},
		Retention: []RetentionRule{
			{Status: "completed", MaxAge: "24h", Schedule: "@daily"},
			{Status: "failed", MaxAge: "168h", Schedule: "@weekly"},
		},
		API:      APIConfig{Enabled: true, Addr: "127.0.0.1:3000", RateLimit: 100, RateLimitWindow: "1m"},
		MemGuard: MemGuardConfig{ThresholdMB: 200, Every: "1m"},
	}
}
