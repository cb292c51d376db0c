package calltoken

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, Path, r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer account.jwt.token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"token":"call-123"}`))
	}))
	defer srv.Close()

	tok, err := New().Fetch(context.Background(), srv.URL+"/", "account.jwt.token")
	require.NoError(t, err)
	assert.Equal(t, "call-123", tok)
}

func TestFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer denied":
			w.WriteHeader(http.StatusUnauthorized)
		case "Bearer garbage":
			_, _ = w.Write([]byte(`<html>`))
		case "Bearer empty":
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	c := New(WithTimeout(time.Second))

	_, err := c.Fetch(context.Background(), srv.URL, "denied")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	_, err = c.Fetch(context.Background(), srv.URL, "garbage")
	assert.Error(t, err)

	tok, err := c.Fetch(context.Background(), srv.URL, "empty")
	require.NoError(t, err)
	assert.Empty(t, tok)

	_, err = c.Fetch(context.Background(), "", "x")
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestFetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(WithTimeout(500*time.Millisecond)).Fetch(context.Background(), url, "x")
	assert.Error(t, err)
}
