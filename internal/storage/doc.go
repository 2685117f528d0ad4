// Package storage persists jobs and their attempt history.
//
// One sqlx-backed implementation serves three dialects:
//   - sqlite (modernc.org/sqlite, default, used by tests)
//   - postgres (lib/pq)
//   - mysql (go-sql-driver/mysql)
//
// Timestamps are stored as unix milliseconds and booleans as 0/1 integers so
// the same row mapping works everywhere. The claim protocol is a single
// conditional UPDATE; callers never read-then-write a lock.
package storage
