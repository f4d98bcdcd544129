package token

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/cloudcode-gateway/internal/account"
	"github.com/antigravity-tools/cloudcode-gateway/internal/auth"
	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*auth.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("invalid_grant")
	}
	return &auth.TokenResponse{AccessToken: "refreshed-" + refreshToken, ExpiresIn: 3600}, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeResolver) FetchProjectID(ctx context.Context, accessToken string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "resolved-project", nil
}

func freshToken(id, tier string) *ProxyToken {
	return &ProxyToken{
		ID:              id,
		Email:           id + "@example.com",
		AccessToken:     "access-" + id,
		RefreshToken:    "refresh-" + id,
		ExpiryTimestamp: time.Now().Unix() + 3600,
		ProjectID:       "proj-" + id,
		Tier:            tier,
	}
}

func newTestManager(t *testing.T, pool ...*ProxyToken) *Manager {
	t.Helper()
	m := NewManager(nil, &fakeRefresher{}, &fakeResolver{}, config.SchedulingConfig{
		Mode:           config.SchedulingBalance,
		MaxWaitSeconds: 30,
	})
	m.SetPool(pool)
	return m
}

func TestGetTokenEmptyPool(t *testing.T) {
	m := newTestManager(t)
	_, err := m.GetToken(context.Background(), config.RequestTypeText, false, "")
	assert.ErrorIs(t, err, ErrNoAccounts)
}

func TestTierPriorityOrdering(t *testing.T) {
	m := newTestManager(t,
		freshToken("free", "FREE"),
		freshToken("ultra", "ULTRA"),
		freshToken("pro", "PRO"),
	)

	// First grant starts the round-robin at the highest tier.
	grant, err := m.GetToken(context.Background(), config.RequestTypeText, false, "")
	require.NoError(t, err)
	assert.Equal(t, "ultra", grant.AccountID)
}

func TestRoundRobinUnderForceRotate(t *testing.T) {
	m := newTestManager(t, freshToken("a", "PRO"), freshToken("b", "PRO"), freshToken("c", "PRO"))

	var got []string
	for i := 0; i < 3; i++ {
		grant, err := m.GetToken(context.Background(), config.RequestTypeText, true, "")
		require.NoError(t, err)
		got = append(got, grant.AccountID)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
}

func TestStickyWindowReusesLastAccount(t *testing.T) {
	m := newTestManager(t, freshToken("a", "PRO"), freshToken("b", "PRO"))

	first, err := m.GetToken(context.Background(), config.RequestTypeText, false, "")
	require.NoError(t, err)
	second, err := m.GetToken(context.Background(), config.RequestTypeText, false, "")
	require.NoError(t, err)
	assert.Equal(t, first.AccountID, second.AccountID)
}

func TestStickyWindowSkippedForImageGen(t *testing.T) {
	m := newTestManager(t, freshToken("a", "PRO"), freshToken("b", "PRO"))

	first, err := m.GetToken(context.Background(), config.RequestTypeText, false, "")
	require.NoError(t, err)
	second, err := m.GetToken(context.Background(), config.RequestTypeImageGen, false, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.AccountID, second.AccountID)
}

func TestLimitedAccountSkipped(t *testing.T) {
	m := newTestManager(t, freshToken("a", "PRO"), freshToken("b", "PRO"))
	m.Tracker().MarkLimited("a", time.Minute, "test")

	for i := 0; i < 3; i++ {
		grant, err := m.GetToken(context.Background(), config.RequestTypeText, true, "")
		require.NoError(t, err)
		assert.Equal(t, "b", grant.AccountID)
	}
}

func TestAllLimitedReportsMinWait(t *testing.T) {
	m := newTestManager(t, freshToken("a", "PRO"), freshToken("b", "PRO"))
	m.Tracker().MarkLimited("a", 90*time.Second, "")
	m.Tracker().MarkLimited("b", 30*time.Second, "")

	_, err := m.GetToken(context.Background(), config.RequestTypeText, false, "")
	var limited *AllLimitedError
	require.ErrorAs(t, err, &limited)
	assert.InDelta(t, 30, limited.WaitSeconds, 1)
	assert.Contains(t, err.Error(), "All accounts are currently limited")
}

func TestRefreshOnlyWhenNearExpiry(t *testing.T) {
	ref := &fakeRefresher{}
	m := NewManager(nil, ref, &fakeResolver{}, config.SchedulingConfig{Mode: config.SchedulingBalance, MaxWaitSeconds: 30})

	fresh := freshToken("fresh", "PRO")
	m.SetPool([]*ProxyToken{fresh})
	_, err := m.GetToken(context.Background(), config.RequestTypeText, false, "")
	require.NoError(t, err)
	assert.Equal(t, 0, ref.callCount(), "fresh token must not refresh")

	stale := freshToken("stale", "PRO")
	stale.ExpiryTimestamp = time.Now().Unix() + 100 // inside the 300s leeway
	m.SetPool([]*ProxyToken{stale})
	grant, err := m.GetToken(context.Background(), config.RequestTypeText, false, "")
	require.NoError(t, err)
	assert.Equal(t, 1, ref.callCount())
	assert.Equal(t, "refreshed-refresh-stale", grant.AccessToken)

	// Second call sees the updated expiry and skips the refresher.
	_, err = m.GetToken(context.Background(), config.RequestTypeText, false, "")
	require.NoError(t, err)
	assert.Equal(t, 1, ref.callCount())
}

func TestRefreshWriteThrough(t *testing.T) {
	dir := t.TempDir()
	store, err := account.NewStore(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "acc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"acc","email":"a@x.com","custom":"kept","token":{"access_token":"old","refresh_token":"r","expires_in":3600,"expiry_timestamp":1}}`), 0o600))

	m := NewManager(store, &fakeRefresher{}, &fakeResolver{}, config.SchedulingConfig{Mode: config.SchedulingBalance, MaxWaitSeconds: 30})
	count, err := m.LoadAccounts()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	grant, err := m.GetToken(context.Background(), config.RequestTypeText, false, "")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-r", grant.AccessToken)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-r", gjson.GetBytes(data, "token.access_token").String())
	assert.Equal(t, int64(3600), gjson.GetBytes(data, "token.expires_in").Int())
	assert.Greater(t, gjson.GetBytes(data, "token.expiry_timestamp").Int(), time.Now().Unix())
	assert.Equal(t, "kept", gjson.GetBytes(data, "custom").String())
}

func TestRefreshFailureFallsToNextAccount(t *testing.T) {
	failing := &fakeRefresher{fail: true}
	m := NewManager(nil, failing, &fakeResolver{}, config.SchedulingConfig{Mode: config.SchedulingBalance, MaxWaitSeconds: 30})

	bad := freshToken("bad", "ULTRA")
	bad.ExpiryTimestamp = 1 // long expired
	good := freshToken("good", "PRO")
	m.SetPool([]*ProxyToken{bad, good})

	grant, err := m.GetToken(context.Background(), config.RequestTypeText, false, "")
	require.NoError(t, err)
	assert.Equal(t, "good", grant.AccountID)
}

func TestProjectIDResolvedAndPersisted(t *testing.T) {
	dir := t.TempDir()
	store, err := account.NewStore(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "acc.json")
	expiry := time.Now().Unix() + 3600
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(
		`{"id":"acc","email":"a@x.com","token":{"access_token":"a","refresh_token":"r","expires_in":3600,"expiry_timestamp":%d}}`, expiry)), 0o600))

	resolver := &fakeResolver{}
	m := NewManager(store, &fakeRefresher{}, resolver, config.SchedulingConfig{Mode: config.SchedulingBalance, MaxWaitSeconds: 30})
	_, err = m.LoadAccounts()
	require.NoError(t, err)

	grant, err := m.GetToken(context.Background(), config.RequestTypeText, false, "")
	require.NoError(t, err)
	assert.Equal(t, "resolved-project", grant.ProjectID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "resolved-project", gjson.GetBytes(data, "token.project_id").String())

	// Resolution happens once; subsequent grants reuse the cached id.
	_, err = m.GetToken(context.Background(), config.RequestTypeText, false, "")
	require.NoError(t, err)
	assert.Equal(t, 1, resolver.calls)
}

func TestSessionBindingSticksAcrossRotation(t *testing.T) {
	m := newTestManager(t, freshToken("a", "PRO"), freshToken("b", "PRO"), freshToken("c", "PRO"))

	first, err := m.GetToken(context.Background(), config.RequestTypeText, false, "sess-1")
	require.NoError(t, err)

	// Push the round-robin cursor along; the session must still stick.
	_, err = m.GetToken(context.Background(), config.RequestTypeText, true, "")
	require.NoError(t, err)

	second, err := m.GetToken(context.Background(), config.RequestTypeText, false, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, first.AccountID, second.AccountID)
}

func TestSessionBindingFallsThroughWhenLimited(t *testing.T) {
	m := newTestManager(t, freshToken("a", "PRO"), freshToken("b", "PRO"))

	first, err := m.GetToken(context.Background(), config.RequestTypeText, false, "sess-1")
	require.NoError(t, err)
	m.Tracker().MarkLimited(first.AccountID, time.Minute, "")

	second, err := m.GetToken(context.Background(), config.RequestTypeText, false, "sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.AccountID, second.AccountID)
}

func TestPerformanceFirstIgnoresSessionBinding(t *testing.T) {
	m := newTestManager(t, freshToken("a", "PRO"), freshToken("b", "PRO"))
	m.SetScheduling(config.SchedulingPerformanceFirst, 30*time.Second)

	// A binding left over from an earlier policy must not steer selection.
	m.sessions.SetDefault("sess-1", "a")
	m.lastMu.Lock()
	m.lastID, m.lastAt = "b", time.Now()
	m.lastMu.Unlock()

	grant, err := m.GetToken(context.Background(), config.RequestTypeText, false, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "b", grant.AccountID, "performance_first follows the last-used slot, not the binding")
}

func TestPerformanceFirstDoesNotRecordBindings(t *testing.T) {
	m := newTestManager(t, freshToken("a", "PRO"))
	m.SetScheduling(config.SchedulingPerformanceFirst, 30*time.Second)

	_, err := m.GetToken(context.Background(), config.RequestTypeText, false, "sess-1")
	require.NoError(t, err)

	_, bound := m.sessions.Get("sess-1")
	assert.False(t, bound, "no session binding under performance_first")
}

func TestForceRotateDoesNotCaptureStickySlot(t *testing.T) {
	m := newTestManager(t, freshToken("a", "PRO"), freshToken("b", "PRO"))

	first, err := m.GetToken(context.Background(), config.RequestTypeText, false, "")
	require.NoError(t, err)

	rotated, err := m.GetToken(context.Background(), config.RequestTypeText, true, "")
	require.NoError(t, err)
	require.NotEqual(t, first.AccountID, rotated.AccountID)

	// The rotation was a one-off; stickiness still points at the first grant.
	third, err := m.GetToken(context.Background(), config.RequestTypeText, false, "")
	require.NoError(t, err)
	assert.Equal(t, first.AccountID, third.AccountID)
}

func TestLoadAccountsSkipsProxyDisabled(t *testing.T) {
	dir := t.TempDir()
	store, err := account.NewStore(dir)
	require.NoError(t, err)

	expiry := time.Now().Unix() + 3600
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.json"), []byte(fmt.Sprintf(
		`{"id":"ok","email":"ok@x.com","token":{"access_token":"a","refresh_token":"r","expires_in":3600,"expiry_timestamp":%d}}`, expiry)), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "held.json"), []byte(fmt.Sprintf(
		`{"id":"held","email":"h@x.com","proxy_disabled":true,"token":{"access_token":"a","refresh_token":"r","expires_in":3600,"expiry_timestamp":%d}}`, expiry)), 0o600))

	m := NewManager(store, &fakeRefresher{}, &fakeResolver{}, config.SchedulingConfig{Mode: config.SchedulingBalance, MaxWaitSeconds: 30})
	count, err := m.LoadAccounts()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	grant, err := m.GetToken(context.Background(), config.RequestTypeText, false, "")
	require.NoError(t, err)
	assert.Equal(t, "ok", grant.AccountID)
}

func TestCacheFirstWaitsOutShortCooldown(t *testing.T) {
	m := newTestManager(t, freshToken("a", "PRO"), freshToken("b", "PRO"))
	m.SetScheduling(config.SchedulingCacheFirst, 30*time.Second)

	first, err := m.GetToken(context.Background(), config.RequestTypeText, false, "sess-1")
	require.NoError(t, err)
	m.Tracker().MarkLimited(first.AccountID, 5*time.Second, "")

	// Stub the wait so the test stays fast; clearing the cooldown stands in
	// for it elapsing.
	var slept time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		m.Tracker().Clear(first.AccountID)
		return nil
	}

	second, err := m.GetToken(context.Background(), config.RequestTypeText, false, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, first.AccountID, second.AccountID)
	assert.Greater(t, slept, time.Duration(0))
	assert.LessOrEqual(t, slept, 5*time.Second)
}

func TestCacheFirstSkipsLongCooldown(t *testing.T) {
	m := newTestManager(t, freshToken("a", "PRO"), freshToken("b", "PRO"))
	m.SetScheduling(config.SchedulingCacheFirst, 2*time.Second)

	first, err := m.GetToken(context.Background(), config.RequestTypeText, false, "sess-1")
	require.NoError(t, err)
	m.Tracker().MarkLimited(first.AccountID, time.Minute, "")

	slept := false
	m.sleep = func(ctx context.Context, d time.Duration) error {
		slept = true
		return nil
	}

	second, err := m.GetToken(context.Background(), config.RequestTypeText, false, "sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.AccountID, second.AccountID)
	assert.False(t, slept, "cooldown beyond max_wait must not block")
}

func TestSnapshotReflectsLimits(t *testing.T) {
	m := newTestManager(t, freshToken("a", "ULTRA"), freshToken("b", "FREE"))
	m.Tracker().MarkLimited("b", time.Minute, "HTTP 429 - quota")

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID, "snapshot keeps scheduling order")
	assert.False(t, snap[0].Limited)
	assert.True(t, snap[1].Limited)
	assert.Equal(t, "HTTP 429 - quota", snap[1].LimitReason)
}
