// Package token schedules requests across the pooled Google accounts.
package token

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/antigravity-tools/cloudcode-gateway/internal/account"
	"github.com/antigravity-tools/cloudcode-gateway/internal/auth"
	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
	"github.com/antigravity-tools/cloudcode-gateway/internal/ratelimit"
	"github.com/antigravity-tools/cloudcode-gateway/internal/utils"
)

// Refresher exchanges a refresh token for a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenResponse, error)
}

// ProjectIDResolver resolves the Cloud Code project id for an access token.
type ProjectIDResolver interface {
	FetchProjectID(ctx context.Context, accessToken string) (string, error)
}

// ProxyToken is one schedulable account in the pool. Entries are immutable;
// updates replace the pointer under the manager's lock.
type ProxyToken struct {
	ID              string
	Email           string
	Label           string
	AccessToken     string
	RefreshToken    string
	ExpiryTimestamp int64
	ProjectID       string
	Tier            string
	Path            string
}

func (t *ProxyToken) expired() bool {
	return time.Now().Unix() >= t.ExpiryTimestamp-config.TokenRefreshLeewaySecs
}

// Grant is the result of a successful scheduling decision.
type Grant struct {
	AccountID   string
	Email       string
	AccessToken string
	ProjectID   string
}

// AllLimitedError reports that every pooled account is cooling down.
type AllLimitedError struct {
	WaitSeconds int64
}

func (e *AllLimitedError) Error() string {
	return fmt.Sprintf("All accounts are currently limited. Please wait %ds", e.WaitSeconds)
}

// ErrNoAccounts is returned when the pool is empty.
var ErrNoAccounts = fmt.Errorf("no accounts available")

// Manager owns the account pool, its rate-limit state, and the sticky
// scheduling machinery.
type Manager struct {
	mu    sync.RWMutex
	pool  []*ProxyToken // sorted by tier priority, stable
	index map[string]int

	cursor atomic.Uint64

	lastMu sync.Mutex
	lastID string
	lastAt time.Time

	policyMu sync.RWMutex
	policy   config.SchedulingMode
	maxWait  time.Duration

	sessions *gocache.Cache
	tracker  *ratelimit.Tracker

	store     *account.Store
	refresher Refresher
	resolver  ProjectIDResolver

	refreshGroup singleflight.Group

	// sleep is replaceable in tests; it must honour ctx cancellation.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager builds a Manager. store may be nil to disable write-through
// (useful in tests).
func NewManager(store *account.Store, refresher Refresher, resolver ProjectIDResolver, scheduling config.SchedulingConfig) *Manager {
	m := &Manager{
		index:     make(map[string]int),
		policy:    scheduling.Mode,
		maxWait:   time.Duration(scheduling.MaxWaitSeconds) * time.Second,
		sessions:  gocache.New(config.SessionBindingTTLSecs*time.Second, 10*time.Minute),
		tracker:   ratelimit.New(),
		store:     store,
		refresher: refresher,
		resolver:  resolver,
		sleep:     sleepCtx,
	}
	if m.maxWait <= 0 {
		m.maxWait = config.DefaultMaxWaitSeconds * time.Second
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LoadAccounts reads the store and rebuilds the pool, sorted by tier
// priority (ULTRA, PRO, FREE, then the rest) with on-disk order preserved
// within a tier. Returns how many accounts were loaded.
func (m *Manager) LoadAccounts() (int, error) {
	accounts, err := m.store.LoadAll()
	if err != nil {
		return 0, err
	}
	pool := make([]*ProxyToken, 0, len(accounts))
	for _, acc := range accounts {
		if !acc.Usable() {
			utils.Debug("[Pool] Skipping account %s (disabled or missing credentials)", acc.ID)
			continue
		}
		pool = append(pool, &ProxyToken{
			ID:              acc.ID,
			Email:           acc.Email,
			Label:           acc.Label,
			AccessToken:     acc.Token.AccessToken,
			RefreshToken:    acc.Token.RefreshToken,
			ExpiryTimestamp: acc.Token.ExpiryTimestamp,
			ProjectID:       acc.Token.ProjectID,
			Tier:            acc.Tier,
			Path:            acc.Path,
		})
	}
	m.SetPool(pool)
	utils.Info("[Pool] Loaded %d account(s)", len(pool))
	return len(pool), nil
}

// SetPool replaces the pool contents. Exposed for tests.
func (m *Manager) SetPool(pool []*ProxyToken) {
	sorted := make([]*ProxyToken, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool {
		return account.TierPriority(sorted[i].Tier) < account.TierPriority(sorted[j].Tier)
	})

	m.mu.Lock()
	m.pool = sorted
	m.index = make(map[string]int, len(sorted))
	for i, t := range sorted {
		m.index[t.ID] = i
	}
	m.mu.Unlock()

	m.cursor.Store(0)
	m.lastMu.Lock()
	m.lastID = ""
	m.lastMu.Unlock()
}

// Len returns the pool size.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pool)
}

// Tracker exposes the manager's rate-limit state.
func (m *Manager) Tracker() *ratelimit.Tracker { return m.tracker }

// SetScheduling updates the sticky policy at runtime.
func (m *Manager) SetScheduling(mode config.SchedulingMode, maxWait time.Duration) {
	m.policyMu.Lock()
	defer m.policyMu.Unlock()
	m.policy = mode
	if maxWait > 0 {
		m.maxWait = maxWait
	}
}

func (m *Manager) scheduling() (config.SchedulingMode, time.Duration) {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy, m.maxWait
}

// ClearSessions drops all session bindings.
func (m *Manager) ClearSessions() { m.sessions.Flush() }

// MarkRateLimited records an upstream error against an account, deriving the
// cooldown from the status, Retry-After header, and body.
func (m *Manager) MarkRateLimited(accountID string, status int, retryAfter, body string) {
	m.tracker.ObserveError(accountID, status, retryAfter, body)
	if secs, ok := m.tracker.ResetSeconds(accountID); ok {
		utils.Warn("[Pool] Account %s limited for %ds (HTTP %d)", accountID, secs, status)
	}
}

func (m *Manager) get(id string) *ProxyToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i, ok := m.index[id]; ok {
		return m.pool[i]
	}
	return nil
}

func (m *Manager) put(tok *ProxyToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.index[tok.ID]; ok {
		m.pool[i] = tok
	}
}

// GetToken picks an account and returns ready-to-use credentials for it.
//
// Selection order: the session's bound account (when healthy, or worth a
// short wait under cache_first), then the account used within the last 60
// seconds, then plain round-robin. forceRotate skips both sticky paths.
// The 60-second stickiness never applies to the image_gen quota group.
func (m *Manager) GetToken(ctx context.Context, quotaGroup string, forceRotate bool, sessionID string) (*Grant, error) {
	if m.Len() == 0 {
		return nil, ErrNoAccounts
	}

	attempted := make(map[string]bool)
	for {
		tok, err := m.selectAccount(ctx, quotaGroup, forceRotate, sessionID, attempted)
		if err != nil {
			return nil, err
		}
		attempted[tok.ID] = true

		grant, err := m.prepare(ctx, tok.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			utils.Warn("[Pool] Account %s unusable: %v", tok.ID, err)
			continue
		}

		m.touch(grant.AccountID, quotaGroup, sessionID, forceRotate)
		return grant, nil
	}
}

// selectAccount applies the sticky rules and round-robin scan. Session
// bindings only exist outside performance_first; that mode always goes
// straight to the last-used slot and the cursor walk.
func (m *Manager) selectAccount(ctx context.Context, quotaGroup string, forceRotate bool, sessionID string, attempted map[string]bool) (*ProxyToken, error) {
	if !forceRotate {
		policy, _ := m.scheduling()
		if policy != config.SchedulingPerformanceFirst {
			if tok := m.trySessionBinding(ctx, sessionID, attempted); tok != nil {
				return tok, nil
			}
		}
		if quotaGroup != config.RequestTypeImageGen {
			if tok := m.tryLastUsed(attempted); tok != nil {
				return tok, nil
			}
		}
	}

	m.mu.RLock()
	pool := m.pool
	m.mu.RUnlock()

	n := len(pool)
	if n == 0 {
		return nil, ErrNoAccounts
	}
	start := m.cursor.Add(1) - 1
	for i := 0; i < n; i++ {
		tok := pool[(start+uint64(i))%uint64(n)]
		if attempted[tok.ID] || m.tracker.IsLimited(tok.ID) {
			continue
		}
		return tok, nil
	}

	return nil, &AllLimitedError{WaitSeconds: m.minResetSeconds(pool)}
}

// trySessionBinding returns the session's bound account when it is usable
// now, or after a short wait under cache_first. A stale binding simply falls
// through; it gets overwritten once another account is granted.
func (m *Manager) trySessionBinding(ctx context.Context, sessionID string, attempted map[string]bool) *ProxyToken {
	if sessionID == "" {
		return nil
	}
	v, ok := m.sessions.Get(sessionID)
	if !ok {
		return nil
	}
	boundID, _ := v.(string)
	tok := m.get(boundID)
	if tok == nil || attempted[tok.ID] {
		return nil
	}

	wait := m.tracker.RemainingWait(tok.ID)
	if wait == 0 {
		return tok
	}

	policy, maxWait := m.scheduling()
	if policy == config.SchedulingCacheFirst && wait <= maxWait {
		utils.Debug("[Pool] Session %s waiting %s for bound account %s", sessionID, wait.Round(time.Millisecond), tok.ID)
		if err := m.sleep(ctx, wait); err != nil {
			return nil
		}
		if !m.tracker.IsLimited(tok.ID) {
			return tok
		}
	}
	return nil
}

// tryLastUsed keeps consecutive requests on the same account for 60 seconds.
func (m *Manager) tryLastUsed(attempted map[string]bool) *ProxyToken {
	m.lastMu.Lock()
	id, at := m.lastID, m.lastAt
	m.lastMu.Unlock()

	if id == "" || time.Since(at) > config.StickyWindowSecs*time.Second {
		return nil
	}
	tok := m.get(id)
	if tok == nil || attempted[tok.ID] || m.tracker.IsLimited(tok.ID) {
		return nil
	}
	return tok
}

func (m *Manager) minResetSeconds(pool []*ProxyToken) int64 {
	var min int64 = 0
	for _, tok := range pool {
		if secs, ok := m.tracker.ResetSeconds(tok.ID); ok {
			if min == 0 || secs < min {
				min = secs
			}
		}
	}
	if min == 0 {
		min = 60
	}
	return min
}

// prepare refreshes the account's access token when needed and resolves its
// project id, writing both back to disk.
func (m *Manager) prepare(ctx context.Context, accountID string) (*Grant, error) {
	tok, err := m.ensureFresh(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if tok.ProjectID == "" {
		projectID, err := m.resolver.FetchProjectID(ctx, tok.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("resolve project id: %w", err)
		}
		updated := *tok
		updated.ProjectID = projectID
		m.put(&updated)
		tok = &updated
		if m.store != nil && tok.Path != "" {
			if err := m.store.PatchProjectID(tok.Path, projectID); err != nil {
				utils.Warn("[Pool] Failed to persist project id for %s: %v", tok.ID, err)
			}
		}
	}

	return &Grant{
		AccountID:   tok.ID,
		Email:       tok.Email,
		AccessToken: tok.AccessToken,
		ProjectID:   tok.ProjectID,
	}, nil
}

// ensureFresh returns the account's pool entry, refreshing its access token
// through singleflight when it is within the expiry leeway.
func (m *Manager) ensureFresh(ctx context.Context, accountID string) (*ProxyToken, error) {
	tok := m.get(accountID)
	if tok == nil {
		return nil, fmt.Errorf("account %s not in pool", accountID)
	}
	if !tok.expired() {
		return tok, nil
	}

	v, err, _ := m.refreshGroup.Do(accountID, func() (interface{}, error) {
		tok := m.get(accountID)
		if tok == nil {
			return nil, fmt.Errorf("account %s not in pool", accountID)
		}
		if !tok.expired() {
			return tok, nil
		}

		resp, err := m.refresher.Refresh(ctx, tok.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("refresh token: %w", err)
		}

		updated := *tok
		updated.AccessToken = resp.AccessToken
		updated.ExpiryTimestamp = time.Now().Unix() + resp.ExpiresIn
		if resp.RefreshToken != "" {
			updated.RefreshToken = resp.RefreshToken
		}
		m.put(&updated)
		utils.Debug("[Pool] Refreshed access token for %s", updated.ID)

		if m.store != nil && updated.Path != "" {
			if err := m.store.PatchToken(updated.Path, updated.AccessToken, resp.RefreshToken, resp.ExpiresIn, updated.ExpiryTimestamp); err != nil {
				utils.Warn("[Pool] Failed to persist token for %s: %v", updated.ID, err)
			}
		}
		return &updated, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ProxyToken), nil
}

// touch records the grant for the sticky paths. A forced rotation is a
// one-off detour and must not capture the 60-second slot, and session
// bindings are never written under performance_first.
func (m *Manager) touch(accountID, quotaGroup, sessionID string, forceRotate bool) {
	if quotaGroup != config.RequestTypeImageGen && !forceRotate {
		m.lastMu.Lock()
		m.lastID = accountID
		m.lastAt = time.Now()
		m.lastMu.Unlock()
	}
	policy, _ := m.scheduling()
	if sessionID != "" && policy != config.SchedulingPerformanceFirst {
		m.sessions.SetDefault(sessionID, accountID)
	}
}

// GrantFor returns fresh credentials for one specific account without going
// through scheduling. Used by diagnostics endpoints.
func (m *Manager) GrantFor(ctx context.Context, accountID string) (*Grant, error) {
	return m.prepare(ctx, accountID)
}

// AccountStatus is a point-in-time view of one pooled account, used by the
// limits endpoint.
type AccountStatus struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Tier         string `json:"tier,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	Limited      bool   `json:"limited"`
	ResetSeconds int64  `json:"reset_seconds,omitempty"`
	LimitReason  string `json:"limit_reason,omitempty"`
}

// Snapshot returns the pool in scheduling order with rate-limit state.
func (m *Manager) Snapshot() []AccountStatus {
	m.mu.RLock()
	pool := make([]*ProxyToken, len(m.pool))
	copy(pool, m.pool)
	m.mu.RUnlock()

	out := make([]AccountStatus, 0, len(pool))
	for _, tok := range pool {
		st := AccountStatus{
			ID:        tok.ID,
			Email:     tok.Email,
			Tier:      tok.Tier,
			ProjectID: tok.ProjectID,
		}
		if secs, ok := m.tracker.ResetSeconds(tok.ID); ok {
			st.Limited = true
			st.ResetSeconds = secs
			st.LimitReason = m.tracker.Reason(tok.ID)
		}
		out = append(out, st)
	}
	return out
}
