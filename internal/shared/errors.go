package shared

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates the entity does not exist for the given tenant.
	ErrNotFound = errors.New("not found")
	// ErrTenantMismatch indicates an attempt to touch a row owned by a
	// different tenant. Always fatal to the call.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrConstraintViolation indicates a uniqueness or foreign-key
	// violation on mutation.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrStorageUnavailable indicates a transient storage failure that the
	// caller may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrPublishFailure indicates an outbox delivery attempt failed; the
	// publisher retries it with backoff.
	ErrPublishFailure = errors.New("publish failure")
	// ErrSystemRole indicates an attempt to delete a seeded system role.
	ErrSystemRole = errors.New("system role is protected")
)

// ClassifyPgError maps low-level postgres errors onto the shared error
// kinds. Unrecognised errors pass through unchanged.
func ClassifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503":
			return ErrConstraintViolation
		case "57P01", "57P02", "57P03", "08000", "08003", "08006":
			return ErrStorageUnavailable
		}
	}
	if pgconn.Timeout(err) {
		return ErrStorageUnavailable
	}
	return err
}
