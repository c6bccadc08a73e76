package shared

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassifyPgError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", pgx.ErrNoRows, ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505"}, ErrConstraintViolation},
		{"fk violation", &pgconn.PgError{Code: "23503"}, ErrConstraintViolation},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, ErrStorageUnavailable},
		{"connection failure", &pgconn.PgError{Code: "08006"}, ErrStorageUnavailable},
	}
	for _, tc := range cases {
		got := ClassifyPgError(tc.in)
		if !errors.Is(got, tc.want) && got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}

	// Unrecognised errors pass through unchanged.
	plain := errors.New("plain")
	if got := ClassifyPgError(plain); got != plain {
		t.Errorf("expected passthrough, got %v", got)
	}
}
