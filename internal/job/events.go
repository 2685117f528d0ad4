package job

import "time"

// Event types published on the event bus.
const (
	EventClaimed   = "job.claimed"
	EventSucceeded = "job.succeeded"
	EventFailed    = "job.failed"
	EventReclaimed = "job.reclaimed"
	EventCrash     = "pool.crash"
)

// Event is the payload carried by job lifecycle events.
type Event struct {
	JobID    int64
	JobName  string
	JobType  string
	Status   Status
	Retry    int
	Err      string
	Duration time.Duration
	// Count is set by reclaim sweeps.
	Count int64
}
