package app

import (
	"context"
	"fmt"

	"jobsched/internal/config"
	"jobsched/internal/handlers"
	"jobsched/internal/monitor"
	"jobsched/internal/storage"
	"jobsched/internal/task/pool"
	logx "jobsched/pkg/logx"
)

// OpenStore opens the configured job store and applies migrations.
func OpenStore(ctx context.Context, s config.Settings, log logx.Logger) (*storage.Store, error) {
	st, err := storage.Open(ctx, s.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// NewRegistry registers the built-in handlers. With SES enabled the email
// handler delivers through it; otherwise email jobs are only logged.
func NewRegistry(ctx context.Context, s config.Settings, log logx.Logger) (*pool.Registry, error) {
	var sender handlers.Sender
	if s.Handlers.Email.SES {
		ses, err := handlers.NewSESFromEnv(ctx, s.Handlers.Email)
		if err != nil {
			return nil, err
		}
		sender = ses
	}
	reg := pool.NewRegistry()
	if err := handlers.Register(reg, s.Handlers, sender, log.With(logx.String("comp", "handlers"))); err != nil {
		return nil, err
	}
	return reg, nil
}

// newMirror returns the Redis mirror when REDIS_URL is set. The second value
// closes it.
func newMirror(ctx context.Context, s config.Settings) (monitor.Mirror, func() error, error) {
	if s.RedisURL == "" {
		return monitor.NopMirror{}, func() error { return nil }, nil
	}
	m, err := monitor.NewRedisMirror(ctx, s.RedisURL, s.RedisKey)
	if err != nil {
		return nil, nil, err
	}
	return m, m.Close, nil
}
