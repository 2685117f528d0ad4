// Package retention prunes old job_history rows on a schedule, per status.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

type Store interface {
	PruneHistory(ctx context.Context, st job.Status, before time.Time) (int64, error)
}

// Registrar is the scheduler surface retention needs.
type Registrar interface {
	Add(name, schedule string, fn func(ctx context.Context) error) error
	Remove(name string) bool
}

type Rule struct {
	Status job.Status
	MaxAge time.Duration
	// Schedule is any scheduler.ParseSchedule form.
	Schedule string
}

func (r Rule) entryName() string { return "retention." + string(r.Status) }

// DefaultRules keeps completed history for a day and failed history for a week.
func DefaultRules() []Rule {
	return []Rule{
		{Status: job.StatusCompleted, MaxAge: 24 * time.Hour, Schedule: "@daily"},
		{Status: job.StatusFailed, MaxAge: 7 * 24 * time.Hour, Schedule: "@weekly"},
	}
}

func Validate(rules []Rule) error {
	seen := map[job.Status]bool{}
	for _, r := range rules {
		if !r.Status.Valid() {
			return fmt.Errorf("retention: unknown status %q", r.Status)
		}
		if seen[r.Status] {
			return fmt.Errorf("retention: duplicate rule for %q", r.Status)
		}
		seen[r.Status] = true
		if r.MaxAge <= 0 {
			return fmt.Errorf("retention: %s max_age must be > 0", r.Status)
		}
	}
	return nil
}

type Service struct {
	mu    sync.Mutex
	store Store
	sched Registrar
	log   logx.Logger
	now   func() time.Time
	rules []Rule
}

func New(store Store, sched Registrar, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, sched: sched, log: log, now: time.Now}
}

// Apply replaces the active rules, registering one scheduler entry per rule
// and removing entries for rules that went away.
func (s *Service) Apply(rules []Rule) error {
	if err := Validate(rules); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := map[string]bool{}
	for _, r := range rules {
		r := r
		keep[r.entryName()] = true
		if s.sched == nil {
			continue
		}
		if err := s.sched.Add(r.entryName(), r.Schedule, func(ctx context.Context) error {
			_, err := s.Prune(ctx, r)
			return err
		}); err != nil {
			return fmt.Errorf("retention %s: %w", r.Status, err)
		}
	}
	for _, old := range s.rules {
		if !keep[old.entryName()] && s.sched != nil {
			s.sched.Remove(old.entryName())
		}
	}
	s.rules = append([]Rule(nil), rules...)
	return nil
}

func (s *Service) Rules() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Rule(nil), s.rules...)
}

// Prune deletes history rows of r.Status older than r.MaxAge.
func (s *Service) Prune(ctx context.Context, r Rule) (int64, error) {
	before := s.now().Add(-r.MaxAge)
	n, err := s.store.PruneHistory(ctx, r.Status, before)
	if err != nil {
		return 0, fmt.Errorf("prune %s history: %w", r.Status, err)
	}
	if n > 0 {
		s.log.Info("history pruned", logx.String("status", string(r.Status)), logx.Int64("rows", n), logx.Time("before", before))
	}
	return n, nil
}

// PruneAll applies every active rule once.
func (s *Service) PruneAll(ctx context.Context) (int64, error) {
	var total int64
	for _, r := range s.Rules() {
		n, err := s.Prune(ctx, r)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
