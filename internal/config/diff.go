package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobsched/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"database": true,
	"pool":     true,
	"api":      true,
	"redis":    true,
	"handlers": true,
}

// SummarizeConfigChange returns the changed sections, safe log fields for
// them (never secrets or DSNs) and the subset of sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if restartSections[section] {
			restart = append(restart, section)
		}
	}

	if oldCfg.Logging != newCfg.Logging || oldCfg.App != newCfg.App {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.String("app.env", newCfg.App.Env),
		)
	}
	if oldCfg.Database != newCfg.Database {
		mark("database",
			logx.String("database.driver", strings.TrimSpace(newCfg.Database.Driver)),
			logx.Bool("database.url_set", strings.TrimSpace(newCfg.Database.URL) != ""),
		)
	}
	if oldCfg.Redis != newCfg.Redis {
		mark("redis", logx.Bool("redis.url_set", strings.TrimSpace(newCfg.Redis.URL) != ""))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.String("scheduler.interval", newCfg.Scheduler.Interval),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if oldCfg.Pool != newCfg.Pool {
		mark("pool", logx.Int("pool.workers", newCfg.Pool.Workers), logx.Int("pool.queue_size", newCfg.Pool.QueueSize))
	}
	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		mark("executor", logx.String("executor.finalize_timeout", newCfg.Executor.FinalizeTimeout))
	}
	if oldCfg.Reclaim != newCfg.Reclaim {
		mark("reclaim",
			logx.String("reclaim.lock_timeout", newCfg.Reclaim.LockTimeout),
			logx.String("reclaim.period", newCfg.Reclaim.Period),
		)
	}
	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		mark("retention", logx.Int("retention.rules", len(newCfg.Retention)))
	}
	if oldCfg.Handlers != newCfg.Handlers {
		mark("handlers", logx.Bool("handlers.email.ses", newCfg.Handlers.Email.SES))
	}
	// Secrets: only whether one is set.
	if oldCfg.API != newCfg.API {
		mark("api",
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.Addr),
			logx.Int("api.rate_limit", newCfg.API.RateLimit),
			logx.Bool("api.jwt_set", newCfg.API.JWTSecret != ""),
		)
	}
	if oldCfg.MemGuard != newCfg.MemGuard {
		mark("memguard", logx.Int("memguard.threshold_mb", newCfg.MemGuard.ThresholdMB))
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
