package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkLimitedAndClear(t *testing.T) {
	tr := New()

	assert.False(t, tr.IsLimited("acc-1"))
	tr.MarkLimited("acc-1", time.Minute, "manual")
	assert.True(t, tr.IsLimited("acc-1"))
	assert.Equal(t, "manual", tr.Reason("acc-1"))

	assert.True(t, tr.Clear("acc-1"))
	assert.False(t, tr.IsLimited("acc-1"))
	assert.False(t, tr.Clear("acc-1"))
}

func TestObserveErrorDefaults(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		limited bool
		minWait time.Duration
		maxWait time.Duration
	}{
		{"too many requests", 429, true, 55 * time.Second, 60 * time.Second},
		{"unavailable", 503, true, 25 * time.Second, 30 * time.Second},
		{"server error", 500, true, 5 * time.Second, 10 * time.Second},
		{"overloaded", 529, true, 5 * time.Second, 10 * time.Second},
		{"bad request ignored", 400, false, 0, 0},
		{"unauthorized ignored", 401, false, 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := New()
			tr.ObserveError("acc", tc.status, "", "boom")
			if !tc.limited {
				assert.False(t, tr.IsLimited("acc"))
				return
			}
			require.True(t, tr.IsLimited("acc"))
			wait := tr.RemainingWait("acc")
			assert.GreaterOrEqual(t, wait, tc.minWait)
			assert.LessOrEqual(t, wait, tc.maxWait)
		})
	}
}

func TestObserveErrorRetryAfterWinsOverBody(t *testing.T) {
	tr := New()
	body := `{"error":{"details":[{"retryDelay":"7"}]}}`
	tr.ObserveError("acc", 429, "120", body)

	wait := tr.RemainingWait("acc")
	assert.Greater(t, wait, 115*time.Second)
	assert.LessOrEqual(t, wait, 120*time.Second)
}

func TestObserveErrorBodyRetryDelay(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"camelCase quoted", `{"retryDelay": "42"}`},
		{"camelCase bare", `{"retryDelay": 42}`},
		{"snake_case", `{"retry_delay": "42s"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := New()
			tr.ObserveError("acc", 503, "", tc.body)
			wait := tr.RemainingWait("acc")
			assert.Greater(t, wait, 37*time.Second)
			assert.LessOrEqual(t, wait, 42*time.Second)
		})
	}
}

func TestObserveErrorReasonTruncated(t *testing.T) {
	tr := New()
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	tr.ObserveError("acc", 429, "", string(long))

	reason := tr.Reason("acc")
	assert.Contains(t, reason, "HTTP 429 - ")
	assert.LessOrEqual(t, len(reason), len("HTTP 429 - ")+200)
}

func TestLazyExpiry(t *testing.T) {
	tr := New()
	tr.MarkLimited("acc", 10*time.Millisecond, "short")
	require.True(t, tr.IsLimited("acc"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, tr.IsLimited("acc"))
	assert.Equal(t, time.Duration(0), tr.RemainingWait("acc"))
}

func TestResetSecondsRoundsUp(t *testing.T) {
	tr := New()
	tr.MarkLimited("acc", 1500*time.Millisecond, "")
	secs, limited := tr.ResetSeconds("acc")
	require.True(t, limited)
	assert.Equal(t, int64(2), secs)

	_, limited = tr.ResetSeconds("missing")
	assert.False(t, limited)
}

func TestCleanupExpired(t *testing.T) {
	tr := New()
	tr.MarkLimited("old", time.Millisecond, "")
	tr.MarkLimited("fresh", time.Minute, "")
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 1, tr.CleanupExpired())
	assert.True(t, tr.IsLimited("fresh"))
}
