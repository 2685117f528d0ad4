package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mirror copies counter increments to shared storage so several instances
// can be summed.
type Mirror interface {
	Add(ctx context.Context, delta map[string]int64) error
	Ping(ctx context.Context) error
}

type NopMirror struct{}

func (NopMirror) Add(context.Context, map[string]int64) error { return nil }
func (NopMirror) Ping(context.Context) error                  { return nil }

// RedisMirror keeps one hash per deployment with one field per counter.
type RedisMirror struct {
	rdb *redis.Client
	key string
}

// NewRedisMirror connects using a redis:// URL and verifies the connection.
func NewRedisMirror(ctx context.Context, rawURL, key string) (*RedisMirror, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	if key == "" {
		key = "jobsched:metrics"
	}
	m := &RedisMirror{rdb: redis.NewClient(opt), key: key}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := m.Ping(pctx); err != nil {
		_ = m.rdb.Close()
		return nil, err
	}
	return m, nil
}

func (m *RedisMirror) Add(ctx context.Context, delta map[string]int64) error {
	_, err := m.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for field, n := range delta {
			p.HIncrBy(ctx, m.key, field, n)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mirror: %w", err)
	}
	return nil
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	if err := m.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (m *RedisMirror) Close() error { return m.rdb.Close() }
