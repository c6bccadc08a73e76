// Package tenant defines the isolation boundary for every tenant-scoped
// entity. A Scope is required to construct any query against tenant-scoped
// tables, so a data access path that forgets tenant filtering does not
// compile.
package tenant

import (
	"errors"

	"github.com/google/uuid"
)

// ErrInvalidTenant indicates an empty or malformed tenant identifier.
var ErrInvalidTenant = errors.New("tenant: invalid tenant id")

// Scope is an opaque token carrying the caller's tenant. It is only
// obtainable through NewScope, never from ambient state.
type Scope struct {
	id uuid.UUID
}

// NewScope validates the tenant identifier and wraps it in a Scope.
func NewScope(id uuid.UUID) (Scope, error) {
	if id == uuid.Nil {
		return Scope{}, ErrInvalidTenant
	}
	return Scope{id: id}, nil
}

// ParseScope builds a Scope from the string form of a tenant UUID.
func ParseScope(raw string) (Scope, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return Scope{}, ErrInvalidTenant
	}
	return NewScope(id)
}

// ID returns the tenant UUID the scope was built from.
func (s Scope) ID() uuid.UUID {
	return s.id
}

// IsZero reports whether the scope was never initialised through NewScope.
func (s Scope) IsZero() bool {
	return s.id == uuid.Nil
}

// String renders the tenant UUID for logging and SQL parameters.
func (s Scope) String() string {
	return s.id.String()
}
