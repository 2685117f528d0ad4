package storage

import (
	"time"
)

// Config configures the job store.
//
// Driver values:
//   - "sqlite": database file at Path (default)
//   - "postgres": lib/pq DSN or URL in DSN
//   - "mysql": go-sql-driver DSN in DSN
type Config struct {
	Driver      string
	DSN         string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	MaxOpenConns int // postgres/mysql; 0 means driver default

	// Now overrides the clock. Tests use it to age locks and due times.
	Now func() time.Time
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

const defaultSQLitePath = "./data/jobsched.db"
