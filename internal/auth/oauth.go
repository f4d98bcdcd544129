// Package auth refreshes Google OAuth access tokens for pooled accounts.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
)

const refreshTimeout = 15 * time.Second

// TokenResponse is the token endpoint's reply. RefreshToken is empty when
// Google chooses not to rotate it; callers keep the old one in that case.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Refresher exchanges refresh tokens for fresh access tokens.
type Refresher struct {
	client   *http.Client
	tokenURL string
}

// NewRefresher returns a Refresher against the Google token endpoint.
func NewRefresher() *Refresher {
	return &Refresher{
		client:   &http.Client{Timeout: refreshTimeout},
		tokenURL: config.OAuthTokenURL,
	}
}

// NewRefresherWithURL returns a Refresher against a custom token endpoint.
func NewRefresherWithURL(tokenURL string) *Refresher {
	return &Refresher{
		client:   &http.Client{Timeout: refreshTimeout},
		tokenURL: tokenURL,
	}
}

// Refresh performs the refresh_token grant. Upstream error bodies are
// surfaced verbatim in the returned error.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("empty refresh token")
	}

	form := url.Values{}
	form.Set("client_id", config.OAuthClientID)
	form.Set("client_secret", config.OAuthClientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token refresh failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &token, nil
}
