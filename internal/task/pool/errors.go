package pool

import (
	"errors"
	"fmt"

	"jobsched/internal/job"
)

var (
	ErrStopped      = errors.New("worker pool stopped")
	ErrStopping     = errors.New("worker pool stopping")
	ErrDrainTimeout = errors.New("worker pool drain timed out")
)

// CrashError reports a unit that died while running a task. It matches
// job.ErrWorkerCrash.
type CrashError struct {
	Unit  int
	Value any
	Stack []byte
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("worker unit %d crashed: %v", e.Unit, e.Value)
}

func (e *CrashError) Is(target error) bool { return target == job.ErrWorkerCrash }
