package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","expires_in":3599,"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	ref := NewRefresherWithURL(srv.URL)
	tok, err := ref.Refresh(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, int64(3599), tok.ExpiresIn)
	assert.Empty(t, tok.RefreshToken, "rotation not offered")
}

func TestRefreshSurfacesUpstreamBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	ref := NewRefresherWithURL(srv.URL)
	_, err := ref.Refresh(context.Background(), "revoked")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestRefreshRejectsEmptyToken(t *testing.T) {
	ref := NewRefresher()
	_, err := ref.Refresh(context.Background(), "")
	assert.Error(t, err)
}

func TestRefreshRejectsMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"expires_in":3599}`))
	}))
	defer srv.Close()

	ref := NewRefresherWithURL(srv.URL)
	_, err := ref.Refresh(context.Background(), "r")
	assert.Error(t, err)
}
