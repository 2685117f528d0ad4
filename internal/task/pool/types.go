package pool

import (
	"context"
	"time"
)

// Task is the in-memory unit of work handed to an execution unit. It lives
// only until the pool reports its Result.
type Task struct {
	ID      string
	JobID   int64
	JobName string
	Type    string
	Data    map[string]any
}

// Handler runs the body of one job type. The returned string is the
// human-readable result recorded in job history.
type Handler func(ctx context.Context, t Task) (string, error)

// Result is what a unit produced for a task. Err covers handler failures,
// unknown job types and unit crashes; it is never an admission error.
type Result struct {
	Message  string
	Err      error
	Duration time.Duration
}

type Config struct {
	// Units is the number of execution units (maxConcurrentJobs).
	Units int
	// QueueSize bounds tasks waiting for an idle unit. Submit blocks when full.
	QueueSize int
	// DrainTimeout bounds how long Stop waits for running tasks.
	DrainTimeout time.Duration
	// TaskTimeout cancels a handler's context after this long; 0 disables.
	TaskTimeout time.Duration
	// RestartBackoff is the delay before a crashed unit is replaced.
	RestartBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Units <= 0 {
		c.Units = 5
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = 100 * time.Millisecond
	}
	return c
}

// Snapshot is a point-in-time view for /health and logs.
type Snapshot struct {
	Running   bool   `json:"running"`
	Units     int    `json:"units"`
	Alive     int64  `json:"alive"`
	Busy      int64  `json:"busy"`
	QueueLen  int    `json:"queueLen"`
	QueueCap  int    `json:"queueCap"`
	Crashes   uint64 `json:"crashes"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}
