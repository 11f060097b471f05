package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	sqlStateUniqueViolation      = "23505"
	sqlStateCheckViolation       = "23514"
	sqlStateForeignKeyViolation  = "23503"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateAdminShutdown        = "57P01"
	sqlStateCannotConnectNow     = "57P03"
)

// Error implements repositories.RepositoryError for Postgres backed repositories.
type Error struct {
	op          string
	err         error
	notFound    bool
	conflict    bool
	unavailable bool
	retryable   bool
	constraint  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the error represents a missing row.
func (e *Error) IsNotFound() bool {
	return e != nil && e.notFound
}

// IsConflict reports whether the error represents a constraint or concurrency conflict.
func (e *Error) IsConflict() bool {
	return e != nil && e.conflict
}

// IsUnavailable reports whether the error represents a transient backend outage.
func (e *Error) IsUnavailable() bool {
	return e != nil && e.unavailable
}

// Constraint names the violated constraint, when known.
func (e *Error) Constraint() string {
	if e == nil {
		return ""
	}
	return e.constraint
}

// NotFound builds a not-found error for lookups that matched no row.
func NotFound(op string, what string) *Error {
	return &Error{op: op, err: fmt.Errorf("%s not found", what), notFound: true}
}

func newError(op string, err error) *Error {
	e := &Error{op: op, err: err}
	if errors.Is(err, pgx.ErrNoRows) {
		e.notFound = true
		return e
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		e.constraint = pgErr.ConstraintName
		switch {
		case pgErr.Code == sqlStateUniqueViolation, pgErr.Code == sqlStateCheckViolation, pgErr.Code == sqlStateForeignKeyViolation:
			e.conflict = true
		case pgErr.Code == sqlStateSerializationFailure, pgErr.Code == sqlStateDeadlockDetected:
			e.conflict = true
			e.retryable = true
		case pgErr.Code == sqlStateAdminShutdown, pgErr.Code == sqlStateCannotConnectNow, strings.HasPrefix(pgErr.Code, "08"):
			e.unavailable = true
		}
		return e
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		e.unavailable = true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		e.unavailable = true
	}
	return e
}

// WrapError annotates pgx errors with repository semantics. Context cancellations are passed through.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var dbErr *Error
	if errors.As(err, &dbErr) {
		if op != "" && dbErr.op == "" {
			dbErr.op = op
		}
		return dbErr
	}
	return newError(op, err)
}
