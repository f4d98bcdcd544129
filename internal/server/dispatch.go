package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/antigravity-tools/cloudcode-gateway/internal/format"
	"github.com/antigravity-tools/cloudcode-gateway/internal/token"
	"github.com/antigravity-tools/cloudcode-gateway/internal/utils"
	"github.com/antigravity-tools/cloudcode-gateway/pkg/anthropic"
)

const maxDispatchAttempts = 3

// errorBodyLimit bounds how much of an upstream error body is retained.
const errorBodyLimit = 64 * 1024

// dispatchError is a terminal dispatch failure, rendered per dialect by the
// handler.
type dispatchError struct {
	Status  int
	Type    string
	Message string
}

// upstreamResult is a successful upstream call; the caller owns the body.
type upstreamResult struct {
	Response *http.Response
	Grant    *token.Grant
}

// dispatch runs the retry loop: pick an account, send the envelope, and on
// retryable upstream errors mark the account limited, back off, and rotate.
// The final upstream status is preserved in the returned error.
func (s *Server) dispatch(ctx context.Context, env *format.Envelope, quotaGroup, sessionID string, stream bool) (*upstreamResult, *dispatchError) {
	attempts := s.manager.Len()
	if attempts > maxDispatchAttempts {
		attempts = maxDispatchAttempts
	}
	if attempts < 1 {
		attempts = 1
	}

	method, query := "generateContent", ""
	if stream {
		method, query = "streamGenerateContent", "alt=sse"
	}

	var lastStatus int
	var lastBody string
	networkFailure := false

	for attempt := 0; attempt < attempts; attempt++ {
		grant, err := s.manager.GetToken(ctx, quotaGroup, attempt > 0, sessionID)
		if err != nil {
			var limited *token.AllLimitedError
			switch {
			case errors.As(err, &limited):
				return nil, &dispatchError{Status: http.StatusTooManyRequests, Type: "rate_limit_error", Message: err.Error()}
			case errors.Is(err, token.ErrNoAccounts):
				return nil, &dispatchError{Status: http.StatusServiceUnavailable, Type: "api_error", Message: "no accounts configured"}
			case ctx.Err() != nil:
				return nil, &dispatchError{Status: 499, Type: "api_error", Message: "client disconnected"}
			default:
				return nil, &dispatchError{Status: http.StatusServiceUnavailable, Type: "api_error", Message: err.Error()}
			}
		}

		env.Project = grant.ProjectID
		payload, err := json.Marshal(env)
		if err != nil {
			return nil, &dispatchError{Status: http.StatusInternalServerError, Type: "api_error", Message: "failed to encode upstream request"}
		}

		resp, err := s.upstream.CallV1Internal(ctx, method, grant.AccessToken, payload, query)
		if err != nil {
			utils.Warn("[Dispatch] Attempt %d/%d failed for %s: %v", attempt+1, attempts, grant.Email, err)
			networkFailure = true
			lastBody = err.Error()
			continue
		}

		if resp.StatusCode < 400 {
			return &upstreamResult{Response: resp, Grant: grant}, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		networkFailure = false
		lastStatus = resp.StatusCode
		lastBody = string(body)

		s.manager.MarkRateLimited(grant.AccountID, resp.StatusCode, resp.Header.Get("Retry-After"), lastBody)

		if !retryableStatus(resp.StatusCode) || attempt == attempts-1 {
			break
		}
		if d := retryBackoff(resp.StatusCode, attempt); d > 0 {
			utils.Debug("[Dispatch] Backing off %s after HTTP %d", d.Round(time.Millisecond), resp.StatusCode)
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &dispatchError{Status: 499, Type: "api_error", Message: "client disconnected"}
			case <-timer.C:
			}
		}
	}

	if networkFailure {
		return nil, &dispatchError{Status: http.StatusBadGateway, Type: "api_error", Message: "upstream unreachable: " + lastBody}
	}
	if lastStatus == 0 {
		lastStatus = http.StatusBadGateway
	}
	msg := lastBody
	if msg == "" {
		msg = http.StatusText(lastStatus)
	}
	return nil, &dispatchError{
		Status:  lastStatus,
		Type:    anthropic.ErrorTypeForStatus(lastStatus),
		Message: msg,
	}
}

func retryableStatus(status int) bool {
	return status == 429 || (status >= 500 && status < 600)
}

// retryBackoff scales the wait with the attempt number: rate limits wait a
// full second per attempt, transient server errors half that.
func retryBackoff(status, attempt int) time.Duration {
	var base time.Duration
	switch {
	case status == 429:
		base = time.Duration(attempt+1) * time.Second
	case status == 500 || status == 503 || status == 529:
		base = time.Duration(attempt+1) * 500 * time.Millisecond
	default:
		return 0
	}
	return jitter(base)
}

// jitter spreads the backoff by +-20% with a 1ms floor.
func jitter(d time.Duration) time.Duration {
	factor := 0.8 + 0.4*rand.Float64()
	j := time.Duration(float64(d) * factor)
	if j < time.Millisecond {
		j = time.Millisecond
	}
	return j
}
