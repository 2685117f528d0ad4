package app

import (
	"context"
	"strings"

	"jobsched/internal/config"
	logx "jobsched/pkg/logx"
)

// reloadLoop applies committed config changes. Sections that need a restart
// are only reported.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	s, err := config.Resolve(newCfg)
	if err != nil {
		// Watch only publishes configs that resolved; this is a guard.
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(s.Logging)

	// Admission follows the pool size, which only changes on restart.
	sc := s.Scheduler
	sc.MaxConcurrentJobs = a.settings.Scheduler.MaxConcurrentJobs
	a.sched.Apply(sc)
	a.reclaimer.Apply(s.Reclaim)
	if err := a.retention.Apply(s.Retention); err != nil {
		a.log.Warn("retention rules rejected; keeping previous", logx.Err(err))
		s.Retention = a.settings.Retention
	}
	a.guard.SetThreshold(s.MemGuard.Threshold)
	if s.MemGuard.Every != a.settings.MemGuard.Every {
		if err := a.sched.Add(memguardEntry, s.MemGuard.Every.String(), a.guard.Check); err != nil {
			a.log.Warn("memguard schedule rejected; keeping previous", logx.Err(err))
			s.MemGuard.Every = a.settings.MemGuard.Every
		}
	}

	// Keep restart-only settings as they were started.
	s.Storage = a.settings.Storage
	s.Pool = a.settings.Pool
	s.Scheduler.MaxConcurrentJobs = sc.MaxConcurrentJobs
	s.API = a.settings.API
	s.RedisURL, s.RedisKey, s.RedisFlush = a.settings.RedisURL, a.settings.RedisKey, a.settings.RedisFlush
	s.Handlers = a.settings.Handlers
	a.settings = s

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
