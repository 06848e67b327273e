// Package session implements the poolable PSN session: one authenticated
// account whose access token is refreshed in place when it goes stale.
package session

import (
	"sync/atomic"
	"time"
)

// Default region and language of a new session.
const (
	DefaultRegion   = "hk"
	DefaultLanguage = "en"
)

// StaleAfter is how long an access token is used before it is refreshed.
// PSN access tokens live for an hour; refreshing ten minutes early keeps a
// leased session from expiring mid-call.
const StaleAfter = 3000 * time.Second

// Session is one PSN account with its tokens.
//
// A session is owned by whoever holds its lease; the pool only touches it
// through the Manager while it is idle.
type Session struct {
	// Region is the PSN server region, e.g. "us" or "hk".
	Region string `json:"region" yaml:"region" toml:"region"`
	// Language is the response language.
	Language string `json:"language" yaml:"language" toml:"language"`
	// OnlineID is the account's own online id, used when opening message threads.
	OnlineID string `json:"online_id" yaml:"online_id" toml:"online_id"`
	// AccountID identifies the account for duplicate replacement.
	// Defaults to OnlineID when empty.
	AccountID string `json:"account_id,omitempty" yaml:"account_id,omitempty" toml:"account_id,omitempty"`
	// NPSSO seeds the first token exchange only.
	NPSSO string `json:"-" yaml:"npsso,omitempty" toml:"npsso,omitempty"`
	// AccessToken is empty until the first exchange.
	AccessToken string `json:"-" yaml:"-" toml:"-"`
	// RefreshToken outlives the access token and is only ever replaced by
	// a newer value from a refresh.
	RefreshToken string `json:"-" yaml:"refresh_token,omitempty" toml:"refresh_token,omitempty"`
	// LastRefreshAt is when AccessToken was obtained. Zero means unknown.
	LastRefreshAt time.Time `json:"last_refresh_at" yaml:"-" toml:"-"`

	retired atomic.Bool
}

// New returns a session with the default region and language.
func New(onlineID string) *Session {
	return &Session{
		Region:   DefaultRegion,
		Language: DefaultLanguage,
		OnlineID: onlineID,
	}
}

// Key returns the identity used for duplicate replacement.
func (s *Session) Key() string {
	if s.AccountID != "" {
		return s.AccountID
	}
	return s.OnlineID
}

// ShouldRefresh reports whether the access token is older than staleAfter.
// A session with no recorded refresh time is never considered stale.
func (s *Session) ShouldRefresh(now time.Time, staleAfter time.Duration) bool {
	if s.LastRefreshAt.IsZero() || !now.After(s.LastRefreshAt) {
		return false
	}
	return now.Sub(s.LastRefreshAt) > staleAfter
}

// Authenticated reports whether the session holds an access token.
func (s *Session) Authenticated() bool {
	return s.AccessToken != ""
}

// Retired reports whether a newer session for the same account replaced
// this one.
func (s *Session) Retired() bool {
	return s.retired.Load()
}

// setTokens applies a token response. An empty refresh token keeps the
// current one.
func (s *Session) setTokens(access, refresh string, at time.Time) {
	s.AccessToken = access
	if refresh != "" {
		s.RefreshToken = refresh
	}
	s.LastRefreshAt = at
}

func (s *Session) applyDefaults() {
	if s.Region == "" {
		s.Region = DefaultRegion
	}
	if s.Language == "" {
		s.Language = DefaultLanguage
	}
}
