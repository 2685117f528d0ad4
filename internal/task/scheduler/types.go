package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"jobsched/internal/job"
	"jobsched/internal/task/executor"
)

const (
	DefaultInterval          = time.Second
	DefaultMaxConcurrentJobs = 5
)

type Config struct {
	// Interval is the tick period.
	Interval time.Duration
	// MaxConcurrentJobs caps executor runs in flight across ticks; a tick
	// only claims the free remainder. It should equal the worker pool size.
	MaxConcurrentJobs int
	// Timezone is the IANA zone cron entries are evaluated in. Empty means local.
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	return c
}

// Store is what a tick reads.
type Store interface {
	QueryDueJobs(ctx context.Context, limit int) ([]job.Job, error)
}

// Runner runs one claimed-or-not job to completion; *executor.Executor
// satisfies it.
type Runner interface {
	Run(ctx context.Context, j job.Job) executor.Outcome
}

type entry struct {
	name   string
	spec   string
	every  time.Duration
	fn     func(ctx context.Context) error
	id     cron.EntryID
	spread time.Duration
}

type EntryInfo struct {
	Name   string
	Spec   string
	Spread time.Duration
	Next   time.Time
	Prev   time.Time
}

type Snapshot struct {
	Running           bool
	Timezone          string
	Interval          time.Duration
	MaxConcurrentJobs int
	Ticks             uint64
	TickErrors        uint64
	Saturated         uint64
	Dispatched        uint64
	InFlight          int64
	Outcomes          map[string]uint64
	Entries           []EntryInfo
}
