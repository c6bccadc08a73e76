package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegis-iam/aegis-iam/internal/shared"
)

func TestHTTPDirectoryUserExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/users/u-1":
			w.WriteHeader(http.StatusNoContent)
		case "/v1/users/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(srv.URL, srv.Client())
	ctx := context.Background()

	exists, err := dir.UserExists(ctx, "u-1")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = dir.UserExists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = dir.UserExists(ctx, "broken")
	require.True(t, errors.Is(err, shared.ErrStorageUnavailable))
}

func TestHTTPDirectoryUserAttributes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/users/u-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"department":"finance","clearance":3}`))
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(srv.URL, srv.Client())
	attrs, err := dir.UserAttributes(context.Background(), "u-1")
	require.NoError(t, err)
	require.Equal(t, "finance", attrs["department"])

	_, err = dir.UserAttributes(context.Background(), "missing")
	require.True(t, errors.Is(err, shared.ErrNotFound))
}

func TestHTTPDirectoryUnreachable(t *testing.T) {
	dir := NewHTTPDirectory("http://127.0.0.1:1", http.DefaultClient)
	_, err := dir.UserExists(context.Background(), "u-1")
	require.True(t, errors.Is(err, shared.ErrStorageUnavailable))
}

func TestStaticDirectory(t *testing.T) {
	dir := &StaticDirectory{Users: map[string]map[string]any{
		"u-1": {"department": "ops"},
	}}

	exists, err := dir.UserExists(context.Background(), "u-1")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = dir.UserExists(context.Background(), "u-2")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = dir.UserAttributes(context.Background(), "u-2")
	require.True(t, errors.Is(err, shared.ErrNotFound))
}
