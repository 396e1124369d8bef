package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailure means there is no valid path to an access token for an
	// identity. It is fatal for that identity only.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrNoCredentials means a provider cannot log in without external help
	// (no password configured, or authorization must be granted by a user).
	ErrNoCredentials = errors.New("no credentials available")
	// ErrLoginRejected means the provider refused the configured
	// credentials.
	ErrLoginRejected = errors.New("login rejected")
	// ErrRefreshRejected means the provider refused a refresh token.
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrTokenRejected means the provider refused an access token that was
	// nominally still valid.
	ErrTokenRejected = errors.New("access token rejected")
	// ErrQuotaExceeded means a record exhausted its throttling retries.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrDestinationQuery means the destination could not be queried. It is
	// never to be read as "no data".
	ErrDestinationQuery = errors.New("destination query failed")
)

// AuthError reports an unrecoverable authentication failure for one
// provider identity.
type AuthError struct {
	Provider string
	Identity string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s %q: %v", ErrAuthFailure, e.Provider, e.Identity, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrAuthFailure) hold for every AuthError.
func (e *AuthError) Is(target error) bool { return target == ErrAuthFailure }

// HTTPError is a non-success response from a remote API.
type HTTPError struct {
	Service string
	Status  int
	Body    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.Status, e.Body)
}
