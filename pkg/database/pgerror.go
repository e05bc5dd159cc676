package database

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"

	"github.com/lib/pq"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// IsUniqueViolation reports whether err is a postgres unique_violation. When constraint is
// non-empty the violated constraint name must match as well.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if string(pqErr.Code) != pgUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func IsForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgForeignKeyViolation
}

func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// AdvisoryKey hashes the parts into a key for pg_advisory_xact_lock.
func AdvisoryKey(parts ...string) int64 {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return int64(h.Sum64())
}

// AdvisoryXactLock blocks until the transaction-scoped advisory lock for key is held.
// The lock is released when the surrounding transaction ends.
func AdvisoryXactLock(ctx context.Context, exec Executor, key int64) error {
	_, err := exec.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", key)
	return err
}
