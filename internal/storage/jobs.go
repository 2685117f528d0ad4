package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobsched/internal/job"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Create validates spec and inserts a pending, unlocked job. nextRun is the
// first cron occurrence after now, or now for one-shot jobs.
func (s *Store) Create(ctx context.Context, spec job.Spec) (job.Job, error) {
	spec = spec.Normalize()
	if err := spec.Validate(); err != nil {
		return job.Job{}, err
	}
	now := s.now()
	next, err := job.FirstRun(spec.CronSchedule, now)
	if err != nil {
		return job.Job{}, err
	}
	data, err := encodeData(spec.Data)
	if err != nil {
		return job.Job{}, fmt.Errorf("%w: data: %v", job.ErrInvalidJob, err)
	}

	id, err := s.insert(ctx, "create",
		`INSERT INTO jobs (name, type, recurring, cron_schedule, priority, status, retry_count, max_retries,
			failure_count, next_run, data, is_locked, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?, 0, 1, ?, ?)`,
		spec.Name, spec.Type, boolInt(spec.CronSchedule != ""), nullStr(spec.CronSchedule), spec.Priority,
		string(job.StatusPending), *spec.MaxRetries, next.UnixMilli(), data, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return job.Job{}, err
	}
	return s.Get(ctx, id)
}

func (s *Store) insert(ctx context.Context, op, q string, args ...any) (int64, error) {
	if s.d.returningID {
		var id int64
		if err := s.db.GetContext(ctx, &id, s.db.Rebind(q+" RETURNING id"), args...); err != nil {
			return 0, wrap(op, err)
		}
		return id, nil
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return 0, wrap(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(op, err)
	}
	return id, nil
}

// Get returns job.ErrNotFound when id does not exist.
func (s *Store) Get(ctx context.Context, id int64) (job.Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if err != nil {
		return job.Job{}, wrap("get", err)
	}
	return r.toDomain(), nil
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, f job.Filter) ([]job.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, wrap("list", err)
	}
	return toJobs(rows), nil
}

// QueryDueJobs returns at most limit pending, unlocked jobs whose nextRun is
// not in the future, ordered by priority (high first) then nextRun.
func (s *Store) QueryDueJobs(ctx context.Context, limit int) ([]job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.selectDue(ctx, "query due", limit)
}

// Overdue is QueryDueJobs without a limit.
func (s *Store) Overdue(ctx context.Context) ([]job.Job, error) {
	return s.selectDue(ctx, "overdue", 0)
}

func (s *Store) selectDue(ctx context.Context, op string, limit int) ([]job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = ? AND is_locked = 0 AND (next_run IS NULL OR next_run <= ?)
		ORDER BY priority DESC, COALESCE(next_run, 0) ASC, id ASC`
	args := []any{string(job.StatusPending), s.now().UnixMilli()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, wrap(op, err)
	}
	return toJobs(rows), nil
}

// TryLock claims id. It reports false when another claimant holds the lock
// (or the job does not exist).
func (s *Store) TryLock(ctx context.Context, id int64) (bool, error) {
	now := s.now().UnixMilli()
	n, err := s.exec(ctx, "try lock",
		`UPDATE jobs SET is_locked = 1, locked_at = ?, updated_at = ? WHERE id = ? AND is_locked = 0`,
		now, now, id)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Claim is TryLock for callers that branch on errors: a lost race is
// job.ErrLockNotAcquired.
func (s *Store) Claim(ctx context.Context, id int64) error {
	ok, err := s.TryLock(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %d", job.ErrLockNotAcquired, id)
	}
	return nil
}

// Unlock releases the claim regardless of status.
func (s *Store) Unlock(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, "unlock",
		`UPDATE jobs SET is_locked = 0, locked_at = NULL, updated_at = ? WHERE id = ?`,
		s.now().UnixMilli(), id)
	return err
}

// ReclaimStuck unlocks every job locked at or before now-timeout and returns
// how many were released.
func (s *Store) ReclaimStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	now := s.now()
	cutoff := now.Add(-timeout).UnixMilli()
	return s.exec(ctx, "reclaim stuck",
		`UPDATE jobs SET is_locked = 0, locked_at = NULL, updated_at = ?
		 WHERE is_locked = 1 AND (locked_at IS NULL OR locked_at <= ?)`,
		now.UnixMilli(), cutoff)
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, st job.Status) error {
	if !st.Valid() {
		return fmt.Errorf("%w: status %q", job.ErrInvalidJob, st)
	}
	_, err := s.exec(ctx, "update status",
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, string(st), s.now().UnixMilli(), id)
	return err
}

func (s *Store) UpdateRetry(ctx context.Context, id int64, retryCount int) error {
	_, err := s.exec(ctx, "update retry",
		`UPDATE jobs SET retry_count = ?, updated_at = ? WHERE id = ?`, retryCount, s.now().UnixMilli(), id)
	return err
}

// UpdateNextRun sets nextRun; nil clears it.
func (s *Store) UpdateNextRun(ctx context.Context, id int64, next *time.Time) error {
	_, err := s.exec(ctx, "update next run",
		`UPDATE jobs SET next_run = ?, updated_at = ? WHERE id = ?`, ms(next), s.now().UnixMilli(), id)
	return err
}

// UpdateLastError records msg and bumps the lifetime failure counter in the
// same statement.
func (s *Store) UpdateLastError(ctx context.Context, id int64, msg string) error {
	_, err := s.exec(ctx, "update last error",
		`UPDATE jobs SET last_error = ?, failure_count = failure_count + 1, updated_at = ? WHERE id = ?`,
		nullStr(msg), s.now().UnixMilli(), id)
	return err
}

func (s *Store) UpdateLastRun(ctx context.Context, id int64, at time.Time) error {
	_, err := s.exec(ctx, "update last run",
		`UPDATE jobs SET last_run = ?, updated_at = ? WHERE id = ?`, at.UnixMilli(), s.now().UnixMilli(), id)
	return err
}

// Update applies p and bumps version. Changing the cron schedule recomputes
// recurring and nextRun.
func (s *Store) Update(ctx context.Context, id int64, p job.Patch) (job.Job, error) {
	if err := p.Validate(); err != nil {
		return job.Job{}, err
	}
	if p.Empty() {
		return s.Get(ctx, id)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return job.Job{}, wrap("update", err)
	}
	defer func() { _ = tx.Rollback() }()

	var r jobRow
	if err := tx.GetContext(ctx, &r, tx.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id); err != nil {
		return job.Job{}, wrap("update", err)
	}
	cur := r.toDomain()
	now := s.now()

	if p.Name != nil {
		cur.Name = strings.TrimSpace(*p.Name)
	}
	if p.Priority != nil {
		cur.Priority = *p.Priority
	}
	if p.MaxRetries != nil {
		cur.MaxRetries = *p.MaxRetries
	}
	if p.Data != nil {
		cur.Data = *p.Data
	}
	if p.CronSchedule != nil {
		cur.CronSchedule = strings.TrimSpace(*p.CronSchedule)
		cur.Recurring = cur.CronSchedule != ""
		next, err := job.FirstRun(cur.CronSchedule, now)
		if err != nil {
			return job.Job{}, err
		}
		cur.NextRun = &next
	}
	data, err := encodeData(cur.Data)
	if err != nil {
		return job.Job{}, fmt.Errorf("%w: data: %v", job.ErrInvalidJob, err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE jobs SET name = ?, priority = ?, max_retries = ?, data = ?, cron_schedule = ?, recurring = ?,
			next_run = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`),
		cur.Name, cur.Priority, cur.MaxRetries, data, nullStr(cur.CronSchedule), boolInt(cur.Recurring),
		ms(cur.NextRun), now.UnixMilli(), id, r.Version,
	)
	if err != nil {
		return job.Job{}, wrap("update", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return job.Job{}, wrap("update", err)
	} else if n == 0 {
		return job.Job{}, job.ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return job.Job{}, wrap("update", err)
	}
	return s.Get(ctx, id)
}

// Delete removes the job and its history.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap("delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM job_history WHERE job_id = ?`), id); err != nil {
		return wrap("delete", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return wrap("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("delete", err)
	}
	if n == 0 {
		return job.ErrNotFound
	}
	return wrap("delete", tx.Commit())
}

// Counts returns the number of jobs per status plus the number currently locked.
func (s *Store) Counts(ctx context.Context) (map[job.Status]int64, int64, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`); err != nil {
		return nil, 0, wrap("counts", err)
	}
	out := make(map[job.Status]int64, len(rows))
	for _, r := range rows {
		out[job.Status(r.Status)] = r.N
	}
	var locked int64
	if err := s.db.GetContext(ctx, &locked, `SELECT COUNT(*) FROM jobs WHERE is_locked = 1`); err != nil {
		return nil, 0, wrap("counts", err)
	}
	return out, locked, nil
}

func (s *Store) exec(ctx context.Context, op, q string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return 0, wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(op, err)
	}
	return n, nil
}

func toJobs(rows []jobRow) []job.Job {
	out := make([]job.Job, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out
}
