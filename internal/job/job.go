package job

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the persisted statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// DefaultMaxRetries applies when a job is created without an explicit limit.
const DefaultMaxRetries = 3

// Job is a persisted job record.
type Job struct {
	ID           int64          `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Recurring    bool           `json:"recurring"`
	CronSchedule string         `json:"cronSchedule,omitempty"`
	Priority     int            `json:"priority"`
	Status       Status         `json:"status"`
	RetryCount   int            `json:"retryCount"`
	MaxRetries   int            `json:"maxRetries"`
	FailureCount int            `json:"failureCount"`
	LastError    string         `json:"lastError,omitempty"`
	NextRun      *time.Time     `json:"nextRun,omitempty"`
	LastRun      *time.Time     `json:"lastRun,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	IsLocked     bool           `json:"isLocked"`
	LockedAt     *time.Time     `json:"lockedAt,omitempty"`
	Version      int            `json:"version"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Due reports whether j would be returned by a due-job query at now.
func (j Job) Due(now time.Time) bool {
	if j.Status != StatusPending || j.IsLocked {
		return false
	}
	return j.NextRun == nil || !j.NextRun.After(now)
}

// Spec is the input for creating a job.
type Spec struct {
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	CronSchedule string         `json:"cronSchedule,omitempty"`
	Priority     int            `json:"priority,omitempty"`
	MaxRetries   *int           `json:"maxRetries,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Normalize trims text fields and fills defaults.
func (s Spec) Normalize() Spec {
	s.Name = strings.TrimSpace(s.Name)
	s.Type = strings.TrimSpace(s.Type)
	s.CronSchedule = strings.TrimSpace(s.CronSchedule)
	if s.MaxRetries == nil {
		n := DefaultMaxRetries
		s.MaxRetries = &n
	}
	return s
}

// Validate checks required fields and the cron expression. Type registration is checked by callers that
// know the handler registry.
func (s Spec) Validate() error {
	if s.Name == "" {
		return invalid("name required")
	}
	if s.Type == "" {
		return invalid("type required")
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return invalid("maxRetries must be >= 0")
	}
	if s.CronSchedule != "" {
		if _, err := ParseCron(s.CronSchedule); err != nil {
			return err
		}
	}
	return nil
}

// Patch is a partial update. Nil fields are left untouched; an empty
// CronSchedule turns a recurring job into a one-shot job.
type Patch struct {
	Name         *string         `json:"name,omitempty"`
	Priority     *int            `json:"priority,omitempty"`
	CronSchedule *string         `json:"cronSchedule,omitempty"`
	MaxRetries   *int            `json:"maxRetries,omitempty"`
	Data         *map[string]any `json:"data,omitempty"`
}

func (p Patch) Empty() bool {
	return p.Name == nil && p.Priority == nil && p.CronSchedule == nil && p.MaxRetries == nil && p.Data == nil
}

func (p Patch) Validate() error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return invalid("name must not be empty")
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		return invalid("maxRetries must be >= 0")
	}
	if p.CronSchedule != nil {
		if c := strings.TrimSpace(*p.CronSchedule); c != "" {
			if _, err := ParseCron(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Filter narrows job listings.
type Filter struct {
	Status Status
	Limit  int
	Offset int
}

// History is one finished attempt of a job.
type History struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"jobId"`
	Status    Status    `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
