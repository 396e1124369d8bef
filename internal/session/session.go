// Package session keeps provider access tokens alive. A Session holds the
// authentication state of one (provider, identity) pair; a Manager renews it
// from persisted refresh tokens or credentials and is the only component
// that reads or writes refresh tokens for a provider.
package session

import (
	"context"
	"sync"
	"time"
)

// Grant is the result of a login or refresh exchange.
type Grant struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate it
	ExpiresIn    time.Duration
	Expiry       time.Time // takes precedence over ExpiresIn when set
}

// Authenticator exchanges credentials or refresh tokens for access tokens.
//
// Login returns an error wrapping domain.ErrNoCredentials when the provider
// cannot be logged into without outside help, and domain.ErrLoginRejected
// when the credentials were refused. Refresh returns an error wrapping
// domain.ErrRefreshRejected when the refresh token is expired or invalid.
type Authenticator interface {
	Provider() string
	Login(ctx context.Context, identity string) (Grant, error)
	Refresh(ctx context.Context, identity, refreshToken string) (Grant, error)
}

// Validator is implemented by authenticators whose tokens can be revoked
// before they expire. Validate returns an error wrapping
// domain.ErrTokenRejected when the provider refuses the token.
type Validator interface {
	Validate(ctx context.Context, accessToken string) error
}

// Session is the authentication state for one provider identity. It is
// passed by reference to every call that needs a token and is safe for
// concurrent use.
type Session struct {
	auth     Authenticator
	identity string

	mu           sync.Mutex
	accessToken  string
	expiry       time.Time
	refreshToken string
	validatedAt  time.Time
	validated    bool
}

// New creates an empty session. Nothing is loaded until the first
// Manager.EnsureAccessToken call.
func New(auth Authenticator, identity string) *Session {
	return &Session{auth: auth, identity: identity}
}

func (s *Session) Provider() string { return s.auth.Provider() }
func (s *Session) Identity() string { return s.identity }

// State is a point-in-time copy of a session.
type State struct {
	AccessToken  string
	Expiry       time.Time
	RefreshToken string
	ValidatedAt  time.Time
}

// State returns a copy of the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		AccessToken:  s.accessToken,
		Expiry:       s.expiry,
		RefreshToken: s.refreshToken,
		ValidatedAt:  s.validatedAt,
	}
}

// live reports whether the access token may still be used at now. Must be
// called with s.mu held.
func (s *Session) live(now time.Time, buffer time.Duration) bool {
	return s.accessToken != "" && now.Before(s.expiry.Add(-buffer))
}
