package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("db: not found")
	// ErrBackendUnavailable covers every store failure the domain does not
	// recognise: connectivity, timeouts, unexpected constraint violations.
	ErrBackendUnavailable = errors.New("db: backend unavailable")
)

const (
	sqlStateUniqueViolation = "23505"
	sqlStateSerialization   = "40001"
	sqlStateDeadlock        = "40P01"
)

// UniqueViolation is returned by Classify for SQLSTATE 23505 so callers can
// branch on the constraint name instead of the message text.
type UniqueViolation struct {
	Constraint string
	err        error
}

func (u *UniqueViolation) Error() string {
	return fmt.Sprintf("unique violation on %s", u.Constraint)
}

func (u *UniqueViolation) Unwrap() error { return u.err }

// Classify normalises a pgx error into ErrNotFound, *UniqueViolation or
// ErrBackendUnavailable. Nil stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	var uv *UniqueViolation
	if errors.As(err, &uv) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation {
		return &UniqueViolation{Constraint: pgErr.ConstraintName, err: err}
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

// IsUniqueViolation reports whether err is a unique violation on constraint.
// An empty constraint matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	var uv *UniqueViolation
	if !errors.As(err, &uv) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation {
			return constraint == "" || pgErr.ConstraintName == constraint
		}
		return false
	}
	return constraint == "" || uv.Constraint == constraint
}

// IsRetryable reports whether the failure is a serialization failure or a
// deadlock, both of which succeed when the transaction is replayed.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateSerialization || pgErr.Code == sqlStateDeadlock
	}
	return false
}
