package sleepnumber

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"sleep-scraper/internal/credstore"
	"sleep-scraper/internal/domain"
	"sleep-scraper/internal/session"
)

const defaultAuthURL = "https://ecim.sleepnumber.com"

// Auth implements session.Authenticator against the vendor's token
// endpoint. The identity is the account email.
type Auth struct {
	authURL  string
	clientID string
	email    string
	password string
	http     *http.Client
	log      *slog.Logger
}

func NewAuth(authURL, clientID, email, password string, log *slog.Logger) *Auth {
	if authURL == "" {
		authURL = defaultAuthURL
	}
	return &Auth{
		authURL:  strings.TrimRight(authURL, "/"),
		clientID: clientID,
		email:    email,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      log,
	}
}

var _ session.Authenticator = (*Auth)(nil)

func (a *Auth) Provider() string { return credstore.ProviderSleepNumber }

// tokenData mirrors the token endpoint payload. Sessions that originate from
// the mobile app carry no refresh token.
type tokenData struct {
	AccessToken  string `json:"AccessToken"`
	IDToken      string `json:"IdToken"`
	RefreshToken string `json:"RefreshToken"`
	ExpiresIn    int64  `json:"ExpiresIn"`
	TokenType    string `json:"TokenType"`
}

func (t tokenData) grant() session.Grant {
	return session.Grant{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    time.Duration(t.ExpiresIn) * time.Second,
	}
}

// Login exchanges the configured email and password for tokens.
func (a *Auth) Login(ctx context.Context, identity string) (session.Grant, error) {
	if identity != a.email || a.password == "" {
		return session.Grant{}, fmt.Errorf("sleepnumber: %w for %q", domain.ErrNoCredentials, identity)
	}
	payload := map[string]string{
		"ClientID": a.clientID,
		"Email":    a.email,
		"Password": a.password,
	}
	a.log.Debug("requesting new tokens", slog.String("email", a.email))
	var data tokenData
	status, body, err := a.exchange(ctx, http.MethodPost, payload, &data)
	if err != nil {
		return session.Grant{}, err
	}
	if status >= 400 && status < 500 {
		return session.Grant{}, fmt.Errorf("sleepnumber: %w: %w", domain.ErrLoginRejected, &domain.HTTPError{Service: "sleepnumber", Status: status, Body: body})
	}
	if status != http.StatusOK {
		return session.Grant{}, &domain.HTTPError{Service: "sleepnumber", Status: status, Body: body}
	}
	return data.grant(), nil
}

// Refresh exchanges a refresh token for a new access token.
func (a *Auth) Refresh(ctx context.Context, identity, refreshToken string) (session.Grant, error) {
	payload := map[string]string{
		"ClientID":     a.clientID,
		"RefreshToken": refreshToken,
	}
	a.log.Debug("requesting new tokens with refresh token", slog.String("email", identity))
	var envelope struct {
		Data tokenData `json:"data"`
	}
	status, body, err := a.exchange(ctx, http.MethodPut, payload, &envelope)
	if err != nil {
		return session.Grant{}, err
	}
	if status >= 400 && status < 500 {
		return session.Grant{}, fmt.Errorf("sleepnumber: %w: %w", domain.ErrRefreshRejected, &domain.HTTPError{Service: "sleepnumber", Status: status, Body: body})
	}
	if status != http.StatusOK {
		return session.Grant{}, &domain.HTTPError{Service: "sleepnumber", Status: status, Body: body}
	}
	return envelope.Data.grant(), nil
}

// exchange calls the token endpoint. The body is decoded into out only on
// 200; otherwise a truncated body is returned for error reporting.
func (a *Auth) exchange(ctx context.Context, method string, payload any, out any) (int, string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, method, a.authURL+"/v1/token", bytes.NewReader(raw))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("sleepnumber: token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, string(body), nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, "", fmt.Errorf("sleepnumber: decode token response: %w", err)
	}
	return resp.StatusCode, "", nil
}
