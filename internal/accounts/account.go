package accounts

import (
	"encoding/json"
	"time"
)

// Account is one stored login. AuthJSON is the provider token record in the
// shape the CLI tools read; unrelated fields in it are preserved on refresh.
type Account struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Email             string          `json:"email,omitempty"`
	ProviderAccountID string          `json:"account_id,omitempty"`
	RefreshToken      string          `json:"refresh_token,omitempty"`
	AuthJSON          json.RawMessage `json:"auth_json"`
	AddedAt           time.Time       `json:"added_at"`
	LastRefresh       *time.Time      `json:"last_refresh,omitempty"`
}

// HasRefreshToken reports whether the account can be silently refreshed
func (a *Account) HasRefreshToken() bool {
	return a.RefreshToken != ""
}

// ExpiresAt returns the access token expiry recorded in AuthJSON
func (a *Account) ExpiresAt() (time.Time, bool) {
	return ExpiresAt(a.AuthJSON)
}

// ExpiringSoon reports whether the token expires within margin of now.
// Accounts without a readable expiry are never expiring.
func (a *Account) ExpiringSoon(now time.Time, margin time.Duration) bool {
	expiresAt, ok := a.ExpiresAt()
	if !ok {
		return false
	}
	return expiresAt.Sub(now) < margin
}

// Clone returns a deep copy
func (a *Account) Clone() Account {
	clone := *a
	if a.AuthJSON != nil {
		clone.AuthJSON = append(json.RawMessage(nil), a.AuthJSON...)
	}
	if a.LastRefresh != nil {
		lastRefresh := *a.LastRefresh
		clone.LastRefresh = &lastRefresh
	}
	return clone
}
