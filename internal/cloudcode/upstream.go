// Package cloudcode talks to the Google Cloud Code v1internal API.
package cloudcode

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
	"github.com/antigravity-tools/cloudcode-gateway/internal/utils"
)

const (
	dialTimeout      = 20 * time.Second
	overallTimeout   = 600 * time.Second
	idleConnsPerHost = 16
	idleConnTimeout  = 90 * time.Second
	keepAlive        = 60 * time.Second
)

// UpstreamClient issues v1internal calls over a shared persistent HTTP
// client, falling back from the production endpoint to the daily sandbox
// when the former looks unhealthy.
type UpstreamClient struct {
	httpClient *http.Client
	baseURLs   []string
}

// NewUpstreamClient builds the client. proxyURL optionally routes all
// upstream traffic through an HTTP(S) proxy.
func NewUpstreamClient(proxyURL string) (*UpstreamClient, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		MaxIdleConnsPerHost: idleConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   overallTimeout,
		},
		baseURLs: config.V1InternalBaseURLs,
	}, nil
}

// SetBaseURLs overrides the endpoint list. Used by tests.
func (c *UpstreamClient) SetBaseURLs(urls []string) { c.baseURLs = urls }

// CallV1Internal POSTs body to <base>:<method>[?query], trying each base URL
// in order. It advances to the next base only on a transport error or on a
// status that suggests the endpoint itself is unhealthy (408, 404, 429,
// 5xx) while a later base remains. The caller owns the response body.
func (c *UpstreamClient) CallV1Internal(ctx context.Context, method, accessToken string, body []byte, query string) (*http.Response, error) {
	var lastErr error
	for i, base := range c.baseURLs {
		endpoint := base + ":" + method
		if query != "" {
			endpoint += "?" + query
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build upstream request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", config.UpstreamUserAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if i < len(c.baseURLs)-1 {
				utils.Warn("[Upstream] %s unreachable (%v), trying next endpoint", base, err)
				continue
			}
			return nil, fmt.Errorf("upstream request: %w", err)
		}

		if shouldTryNextEndpoint(resp.StatusCode) && i < len(c.baseURLs)-1 {
			utils.Debug("[Upstream] %s returned %d, trying next endpoint", base, resp.StatusCode)
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("all upstream endpoints failed: %w", lastErr)
}

// shouldTryNextEndpoint reports whether the status indicates the endpoint
// (rather than the request) is the problem.
func shouldTryNextEndpoint(status int) bool {
	switch {
	case status == http.StatusRequestTimeout:
		return true
	case status == http.StatusNotFound:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500 && status < 600:
		return true
	}
	return false
}
