// Package fitbit publishes sleep logs to the Fitbit Web API. Accounts are
// linked through the OAuth2 authorization-code flow; afterwards the session
// lives on the stored refresh token alone.
package fitbit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"sleep-scraper/internal/credstore"
	"sleep-scraper/internal/domain"
	"sleep-scraper/internal/session"
)

const (
	defaultAuthURL  = "https://www.fitbit.com/oauth2/authorize"
	defaultTokenURL = "https://api.fitbit.com/oauth2/token"
)

// Auth implements session.Authenticator. Identities are sleeper IDs.
type Auth struct {
	cfg  *oauth2.Config
	http *http.Client
	log  *slog.Logger
}

func NewAuth(clientID, clientSecret, redirectURL, authURL, tokenURL string, log *slog.Logger) *Auth {
	if authURL == "" {
		authURL = defaultAuthURL
	}
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	return &Auth{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"sleep", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}
}

var _ session.Authenticator = (*Auth)(nil)

func (a *Auth) Provider() string { return credstore.ProviderFitbit }

// Login always fails: a user has to authorize the app in a browser first.
func (a *Auth) Login(ctx context.Context, identity string) (session.Grant, error) {
	return session.Grant{}, fmt.Errorf("fitbit: %w: sleeper %q has not authorized access", domain.ErrNoCredentials, identity)
}

// Refresh exchanges a refresh token. Fitbit rotates refresh tokens on every
// use, so the returned grant always carries the new one.
func (a *Auth) Refresh(ctx context.Context, identity, refreshToken string) (session.Grant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.http)
	tok, err := a.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return session.Grant{}, classify(err)
	}
	a.log.Debug("fitbit token refreshed", slog.String("sleeper_id", identity))
	return grantFrom(tok), nil
}

// AuthCodeURL returns the consent page URL. state round-trips the sleeper ID.
func (a *Auth) AuthCodeURL(state string) string {
	return a.cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens.
func (a *Auth) Exchange(ctx context.Context, code string) (session.Grant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.http)
	tok, err := a.cfg.Exchange(ctx, code)
	if err != nil {
		return session.Grant{}, classify(err)
	}
	return grantFrom(tok), nil
}

func grantFrom(tok *oauth2.Token) session.Grant {
	return session.Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}

func classify(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		status := rerr.Response.StatusCode
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return fmt.Errorf("fitbit: %w: %w", domain.ErrRefreshRejected, &domain.HTTPError{Service: "fitbit", Status: status, Body: string(rerr.Body)})
		}
		return &domain.HTTPError{Service: "fitbit", Status: status, Body: string(rerr.Body)}
	}
	return fmt.Errorf("fitbit: token request: %w", err)
}
