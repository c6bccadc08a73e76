// Package identity is the boundary to the identity collaborator that owns
// user records. Access-control rows hold user ids as weak references; the
// core validates existence lazily through this interface and never assumes
// referential integrity at the storage layer.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/aegis-iam/aegis-iam/internal/shared"
)

// Directory exposes the identity lookups the core consumes.
type Directory interface {
	// UserExists reports whether the identity service knows the user.
	UserExists(ctx context.Context, userID string) (bool, error)
	// UserAttributes returns pre-resolved claims used as ABAC subject
	// attributes. Unknown users yield shared.ErrNotFound.
	UserAttributes(ctx context.Context, userID string) (map[string]any, error)
}

// HTTPDirectory talks to the identity service over HTTP.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDirectory constructs a directory client for the given base URL.
func NewHTTPDirectory(baseURL string, client *http.Client) *HTTPDirectory {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDirectory{baseURL: baseURL, client: client}
}

func (d *HTTPDirectory) UserExists(ctx context.Context, userID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.userURL(userID), nil)
	if err != nil {
		return false, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: identity: %v", shared.ErrStorageUnavailable, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: identity: status %d", shared.ErrStorageUnavailable, resp.StatusCode)
	}
}

func (d *HTTPDirectory) UserAttributes(ctx context.Context, userID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.userURL(userID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: identity: %v", shared.ErrStorageUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, shared.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: identity: status %d", shared.ErrStorageUnavailable, resp.StatusCode)
	}
	var attrs map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&attrs); err != nil {
		return nil, fmt.Errorf("identity: decode attributes: %w", err)
	}
	return attrs, nil
}

func (d *HTTPDirectory) userURL(userID string) string {
	return d.baseURL + "/v1/users/" + url.PathEscape(userID)
}

// StaticDirectory is an in-memory directory for tests and local wiring.
type StaticDirectory struct {
	Users map[string]map[string]any
}

func (d *StaticDirectory) UserExists(_ context.Context, userID string) (bool, error) {
	_, ok := d.Users[userID]
	return ok, nil
}

func (d *StaticDirectory) UserAttributes(_ context.Context, userID string) (map[string]any, error) {
	attrs, ok := d.Users[userID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return attrs, nil
}
