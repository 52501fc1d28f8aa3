package billing

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound         = errors.New("billing: not found")
	ErrWriteConflict    = errors.New("billing: write conflict")
	ErrRetriesExhausted = errors.New("billing: transaction retries exhausted")
	ErrInvalidInput     = errors.New("billing: invalid input")
	ErrNoCustomer       = errors.New("billing: user has no billing customer")
)

// PostgreSQL SQLSTATEs that mean "run the transaction again".
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("billing: validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// IsRetryable reports whether err is a transient isolation conflict. Everything else is fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWriteConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
	}
	return false
}

// IsUniqueViolation reports whether err came from a unique index rejecting a row.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation
}

func classifyTxError(err error) error {
	if err == nil || errors.Is(err, ErrWriteConflict) {
		return err
	}
	if IsRetryable(err) {
		return fmt.Errorf("%w: %w", ErrWriteConflict, err)
	}
	return err
}
