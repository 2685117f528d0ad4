// Package handlers holds the built-in job types. Each handler receives the
// job's data map and returns a short result message.
package handlers

import (
	"context"
	"fmt"
	"time"

	"jobsched/internal/task/pool"
	logx "jobsched/pkg/logx"
)

const (
	TypeEmail      = "email"
	TypeProcessing = "processing"
	TypeWebhook    = "webhook"
)

type Config struct {
	// EmailDelay and ProcessingDelay simulate work when no real transport
	// is configured.
	EmailDelay      time.Duration
	ProcessingDelay time.Duration
	Email           EmailConfig
	Webhook         WebhookConfig
}

func DefaultConfig() Config {
	return Config{
		EmailDelay:      time.Second,
		ProcessingDelay: 2 * time.Second,
		Webhook:         WebhookConfig{Timeout: 10 * time.Second, Retries: 2},
	}
}

// Register adds every built-in handler to reg. sender may be nil, in which
// case email jobs are only logged.
func Register(reg *pool.Registry, cfg Config, sender Sender, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	hs := map[string]pool.Handler{
		TypeEmail:      Email(cfg.EmailDelay, cfg.Email.From, sender, log.With(logx.String("handler", TypeEmail))),
		TypeProcessing: Processing(cfg.ProcessingDelay, log.With(logx.String("handler", TypeProcessing))),
		TypeWebhook:    Webhook(cfg.Webhook, log.With(logx.String("handler", TypeWebhook))),
	}
	for _, typ := range []string{TypeEmail, TypeProcessing, TypeWebhook} {
		if err := reg.Register(typ, hs[typ]); err != nil {
			return err
		}
	}
	return nil
}

// sleep waits d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func str(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func strs(data map[string]any, key string) []string {
	switch v := data[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
