package scheduler

import "jobsched/internal/task/executor"

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	c := s.c
	loc := s.loc
	defs := make([]entry, len(s.defs))
	copy(defs, s.defs)
	s.mu.Unlock()

	snap := Snapshot{
		Running:           c != nil,
		Timezone:          cfg.Timezone,
		Interval:          cfg.Interval,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		Ticks:             s.ticks.Load(),
		TickErrors:        s.tickErrors.Load(),
		Saturated:         s.saturated.Load(),
		Dispatched:        s.dispatched.Load(),
		InFlight:          s.inFlight.Load(),
		Outcomes:          make(map[string]uint64, len(s.outcomes)),
		Entries:           make([]EntryInfo, 0, len(defs)),
	}
	if snap.Timezone == "" && loc != nil {
		snap.Timezone = loc.String()
	}
	for i := range s.outcomes {
		if n := s.outcomes[i].Load(); n > 0 {
			snap.Outcomes[executor.Outcome(i).String()] = n
		}
	}
	for _, d := range defs {
		info := EntryInfo{Name: d.name, Spec: d.spec, Spread: d.spread}
		if c != nil && d.id != 0 {
			e := c.Entry(d.id)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Entries = append(snap.Entries, info)
	}
	return snap
}
