package storage

import (
	"context"
	"time"

	"jobsched/internal/job"
)

// AppendHistory records one finished attempt. Rows are never updated.
func (s *Store) AppendHistory(ctx context.Context, h job.History) (int64, error) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.now()
	}
	return s.insert(ctx, "append history",
		`INSERT INTO job_history (job_id, status, result, error, created_at) VALUES (?, ?, ?, ?, ?)`,
		h.JobID, string(h.Status), nullStr(h.Result), nullStr(h.Error), h.CreatedAt.UnixMilli(),
	)
}

// ListHistory returns the newest attempts of jobID first.
func (s *Store) ListHistory(ctx context.Context, jobID int64, limit int) ([]job.History, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var rows []historyRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT id, job_id, status, result, error, created_at FROM job_history
		 WHERE job_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`), jobID, limit)
	if err != nil {
		return nil, wrap("list history", err)
	}
	out := make([]job.History, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// PruneHistory deletes records with status created before the cutoff.
func (s *Store) PruneHistory(ctx context.Context, st job.Status, before time.Time) (int64, error) {
	return s.exec(ctx, "prune history",
		`DELETE FROM job_history WHERE status = ? AND created_at < ?`, string(st), before.UnixMilli())
}
