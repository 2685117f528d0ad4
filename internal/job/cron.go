package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Both 5-field and 6-field (leading seconds) expressions are accepted, plus
// descriptors such as "@hourly" and "@every 5m".
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses expr. Failures wrap ErrInvalidCron.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return s, nil
}

// FirstRun returns the initial nextRun for a new job: the next cron occurrence
// after now, or now itself for one-shot jobs.
func FirstRun(expr string, now time.Time) (time.Time, error) {
	if strings.TrimSpace(expr) == "" {
		return now, nil
	}
	s, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(now), nil
}

// NextRecurring computes the next run of a recurring job that just finished.
// It takes the occurrence strictly after prev; when that is already in the
// past relative to now, missed occurrences are skipped.
func NextRecurring(expr string, prev *time.Time, now time.Time) (time.Time, error) {
	s, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	if prev != nil && !prev.IsZero() {
		if next := s.Next(*prev); next.After(now) {
			return next, nil
		}
	}
	return s.Next(now), nil
}
