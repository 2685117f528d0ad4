package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"jobsched/internal/job"
)

const jobColumns = `id, name, type, recurring, cron_schedule, priority, status, retry_count, max_retries,
	failure_count, last_error, next_run, last_run, data, is_locked, locked_at, version, created_at, updated_at`

type jobRow struct {
	ID           int64          `db:"id"`
	Name         string         `db:"name"`
	Type         string         `db:"type"`
	Recurring    int            `db:"recurring"`
	CronSchedule sql.NullString `db:"cron_schedule"`
	Priority     int            `db:"priority"`
	Status       string         `db:"status"`
	RetryCount   int            `db:"retry_count"`
	MaxRetries   int            `db:"max_retries"`
	FailureCount int            `db:"failure_count"`
	LastError    sql.NullString `db:"last_error"`
	NextRun      sql.NullInt64  `db:"next_run"`
	LastRun      sql.NullInt64  `db:"last_run"`
	Data         sql.NullString `db:"data"`
	IsLocked     int            `db:"is_locked"`
	LockedAt     sql.NullInt64  `db:"locked_at"`
	Version      int            `db:"version"`
	CreatedAt    int64          `db:"created_at"`
	UpdatedAt    int64          `db:"updated_at"`
}

func (r jobRow) toDomain() job.Job {
	j := job.Job{
		ID:           r.ID,
		Name:         r.Name,
		Type:         r.Type,
		Recurring:    r.Recurring != 0,
		CronSchedule: r.CronSchedule.String,
		Priority:     r.Priority,
		Status:       job.Status(r.Status),
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		FailureCount: r.FailureCount,
		LastError:    r.LastError.String,
		NextRun:      msPtr(r.NextRun),
		LastRun:      msPtr(r.LastRun),
		IsLocked:     r.IsLocked != 0,
		LockedAt:     msPtr(r.LockedAt),
		Version:      r.Version,
		CreatedAt:    time.UnixMilli(r.CreatedAt),
		UpdatedAt:    time.UnixMilli(r.UpdatedAt),
	}
	if r.Data.Valid && r.Data.String != "" {
		// Rows are only written through encodeData; a decode failure leaves Data nil.
		_ = json.Unmarshal([]byte(r.Data.String), &j.Data)
	}
	return j
}

type historyRow struct {
	ID        int64          `db:"id"`
	JobID     int64          `db:"job_id"`
	Status    string         `db:"status"`
	Result    sql.NullString `db:"result"`
	Error     sql.NullString `db:"error"`
	CreatedAt int64          `db:"created_at"`
}

func (r historyRow) toDomain() job.History {
	return job.History{
		ID:        r.ID,
		JobID:     r.JobID,
		Status:    job.Status(r.Status),
		Result:    r.Result.String,
		Error:     r.Error.String,
		CreatedAt: time.UnixMilli(r.CreatedAt),
	}
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func ms(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeData(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
