package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"jobsched/internal/job"
)

// opError reports a failed store operation. It matches both
// job.ErrStoreUnavailable and the underlying driver error.
type opError struct {
	op  string
	err error
}

func (e *opError) Error() string   { return fmt.Sprintf("storage: %s: %v", e.op, e.err) }
func (e *opError) Unwrap() []error { return []error{job.ErrStoreUnavailable, e.err} }

// sqlite primary result code for constraint violations.
const sqliteConstraint = 19

type codeError interface{ Code() int }

// wrap classifies a driver error for op. Missing rows become job.ErrNotFound
// and constraint violations become job.ErrInvalidJob; everything else is
// treated as the store being unavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return job.ErrNotFound
	}
	if isConstraint(err) {
		return fmt.Errorf("%w: %s: %v", job.ErrInvalidJob, op, err)
	}
	return &opError{op: op, err: err}
}

func isConstraint(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 23: integrity constraint violation.
		return pqErr.Code.Class() == "23"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1048, 1062, 1452, 3819:
			return true
		}
		return false
	}
	var ce codeError
	if errors.As(err, &ce) {
		return ce.Code()&0xff == sqliteConstraint
	}
	return false
}
