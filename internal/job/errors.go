package job

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("job not found")
	ErrLockNotAcquired  = errors.New("job lock not acquired")
	ErrInvalidCron      = errors.New("invalid cron expression")
	ErrUnknownType      = errors.New("unknown job type")
	ErrWorkerCrash      = errors.New("worker crashed")
	ErrStoreUnavailable = errors.New("job store unavailable")
	ErrInvalidJob       = errors.New("invalid job")
	ErrConflict         = errors.New("job modified concurrently")
)

func invalid(msg string) error { return fmt.Errorf("%w: %s", ErrInvalidJob, msg) }

// UnknownType returns the dispatch error for a job type without a handler.
func UnknownType(t string) error { return fmt.Errorf("%w: %s", ErrUnknownType, t) }
