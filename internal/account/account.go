// Package account defines Google account records and their on-disk store.
package account

import (
	"encoding/json"
	"strings"
	"time"
)

// Known subscription tiers, in scheduling priority order.
const (
	TierUltra = "ULTRA"
	TierPro   = "PRO"
	TierFree  = "FREE"
)

// TokenData is the OAuth credential material of an account. The engine only
// ever rewrites this subtree of the file; everything outside it belongs to
// the tooling that produced the record.
type TokenData struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	ExpiresIn       int64  `json:"expires_in"`
	ExpiryTimestamp int64  `json:"expiry_timestamp"`
	ProjectID       string `json:"project_id,omitempty"`
	TokenType       string `json:"token_type,omitempty"`
	Scope           string `json:"scope,omitempty"`
}

// Account is one pooled Google account as stored in <id>.json. Unknown keys
// in the file are preserved by the store's patch operations, so this struct
// only needs the fields the gateway reads.
type Account struct {
	ID       string          `json:"id"`
	Email    string          `json:"email"`
	Label    string          `json:"label,omitempty"`
	Token    *TokenData      `json:"token"`
	Tier     string          `json:"tier,omitempty"`
	Disabled bool            `json:"disabled,omitempty"`
	LastUsed int64           `json:"last_used,omitempty"`
	Quota    json.RawMessage `json:"quota,omitempty"`

	// ProxyDisabled excludes the account from scheduling without touching
	// the OAuth-level disabled flag; operators set it (with a reason) to
	// pull an account out of the pool.
	ProxyDisabled       bool   `json:"proxy_disabled,omitempty"`
	ProxyDisabledReason string `json:"proxy_disabled_reason,omitempty"`
	ProxyDisabledAt     int64  `json:"proxy_disabled_at,omitempty"`

	// Path is the file the record was loaded from. Not serialised.
	Path string `json:"-"`
}

// Usable reports whether the record carries enough material to schedule: both
// disable flags clear and the full credential set present.
func (a *Account) Usable() bool {
	if a.Disabled || a.ProxyDisabled || a.Token == nil {
		return false
	}
	return a.ID != "" && a.Email != "" &&
		a.Token.AccessToken != "" && a.Token.RefreshToken != "" &&
		a.Token.ExpiresIn > 0 && a.Token.ExpiryTimestamp > 0
}

// TokenExpired reports whether the access token is within leeway seconds of
// its recorded expiry (or already past it).
func (a *Account) TokenExpired(leewaySecs int64) bool {
	if a.Token == nil || a.Token.AccessToken == "" {
		return true
	}
	return time.Now().Unix() >= a.Token.ExpiryTimestamp-leewaySecs
}

// TierPriority orders tiers for scheduling: ULTRA first, then PRO, FREE, and
// everything else last. Comparison is case-insensitive.
func TierPriority(tier string) int {
	switch strings.ToUpper(tier) {
	case TierUltra:
		return 0
	case TierPro:
		return 1
	case TierFree:
		return 2
	default:
		return 3
	}
}
