// Package ratelimit tracks per-account upstream cooldowns.
package ratelimit

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Default cooldowns applied when the upstream response carries no explicit
// retry hint.
const (
	CooldownTooManyRequests = 60 * time.Second
	CooldownUnavailable     = 30 * time.Second
	CooldownServerError     = 10 * time.Second
)

const maxReasonBytes = 200

// Matches retryDelay / retry_delay fields in upstream error bodies, with or
// without quotes around the numeric value.
var retryDelayRe = regexp.MustCompile(`(?:"retryDelay"|"retry_delay")\s*:\s*"?(\d+)`)

type entry struct {
	resetAt time.Time
	reason  string
}

// Tracker records which accounts are cooling down and until when. Entries
// expire lazily on read.
type Tracker struct {
	mu     sync.RWMutex
	limits map[string]entry
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{limits: make(map[string]entry)}
}

// MarkLimited puts an account on cooldown for the given duration.
func (t *Tracker) MarkLimited(accountID string, d time.Duration, reason string) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[accountID] = entry{resetAt: time.Now().Add(d), reason: reason}
}

// ObserveError inspects an upstream error response and marks the account
// limited when the status warrants it. Retry-After (integer seconds) wins
// over the body's retryDelay field, which wins over the per-status default.
// Statuses outside 429/5xx are ignored.
func (t *Tracker) ObserveError(accountID string, status int, retryAfter string, body string) {
	var cooldown time.Duration
	switch {
	case status == 429:
		cooldown = CooldownTooManyRequests
	case status == 503:
		cooldown = CooldownUnavailable
	case status >= 500 && status < 600:
		cooldown = CooldownServerError
	default:
		return
	}

	if m := retryDelayRe.FindStringSubmatch(body); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil && secs > 0 {
			cooldown = time.Duration(secs) * time.Second
		}
	}
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			cooldown = time.Duration(secs) * time.Second
		}
	}

	reason := fmt.Sprintf("HTTP %d - %s", status, truncate(body, maxReasonBytes))
	t.MarkLimited(accountID, cooldown, reason)
}

// IsLimited reports whether the account is still cooling down, clearing the
// entry if it has expired.
func (t *Tracker) IsLimited(accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.limits[accountID]
	if !ok {
		return false
	}
	if time.Now().After(e.resetAt) {
		delete(t.limits, accountID)
		return false
	}
	return true
}

// RemainingWait returns how long until the account's cooldown ends, or zero
// when it is not limited.
func (t *Tracker) RemainingWait(accountID string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.limits[accountID]
	if !ok {
		return 0
	}
	d := time.Until(e.resetAt)
	if d <= 0 {
		delete(t.limits, accountID)
		return 0
	}
	return d
}

// ResetSeconds returns the remaining cooldown in whole seconds (rounded up)
// and whether the account is limited.
func (t *Tracker) ResetSeconds(accountID string) (int64, bool) {
	d := t.RemainingWait(accountID)
	if d <= 0 {
		return 0, false
	}
	secs := int64((d + time.Second - 1) / time.Second)
	return secs, true
}

// Reason returns the recorded reason for the account's cooldown, if any.
func (t *Tracker) Reason(accountID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limits[accountID].reason
}

// Clear removes any cooldown for the account, reporting whether one existed.
func (t *Tracker) Clear(accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.limits[accountID]
	delete(t.limits, accountID)
	return ok
}

// CleanupExpired drops all expired entries and returns how many were removed.
func (t *Tracker) CleanupExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, e := range t.limits {
		if now.After(e.resetAt) {
			delete(t.limits, id)
			removed++
		}
	}
	return removed
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
