// Package hcgateway pushes sleep sessions to an HCGateway server, which
// relays them into Android Health Connect. Each sleeper maps to a gateway
// username with its own password login.
package hcgateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"sleep-scraper/internal/credstore"
	"sleep-scraper/internal/domain"
	"sleep-scraper/internal/session"
)

const (
	defaultBaseURL = "https://api.hcgateway.shuchir.dev"
	// ChunkSize is the number of records sent per push request.
	ChunkSize = 5
)

// Client talks to the gateway. It is both the session.Authenticator and
// session.Validator for gateway users, and the push destination.
type Client struct {
	baseURL   string
	passwords map[string]string // username -> password
	http      *http.Client
	log       *slog.Logger
}

func NewClient(baseURL string, passwords map[string]string, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		passwords: passwords,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       log,
	}
}

var (
	_ session.Authenticator = (*Client)(nil)
	_ session.Validator     = (*Client)(nil)
)

func (c *Client) Provider() string { return credstore.ProviderHCGateway }

type tokenResponse struct {
	Token   string `json:"token"`
	Refresh string `json:"refresh"`
	Expiry  string `json:"expiry"`
}

func (t tokenResponse) grant() session.Grant {
	g := session.Grant{AccessToken: t.Token, RefreshToken: t.Refresh}
	if exp, err := time.Parse(time.RFC3339Nano, t.Expiry); err == nil {
		g.Expiry = exp
	}
	return g
}

// Login posts the configured username and password.
func (c *Client) Login(ctx context.Context, identity string) (session.Grant, error) {
	password, ok := c.passwords[identity]
	if !ok || password == "" {
		return session.Grant{}, fmt.Errorf("hcgateway: %w for %q", domain.ErrNoCredentials, identity)
	}
	var out tokenResponse
	status, body, err := c.call(ctx, http.MethodPost, "/api/v2/login", "", map[string]string{"username": identity, "password": password}, &out)
	if err != nil {
		return session.Grant{}, err
	}
	if status >= 400 && status < 500 {
		return session.Grant{}, fmt.Errorf("hcgateway: %w: %w", domain.ErrLoginRejected, &domain.HTTPError{Service: "hcgateway", Status: status, Body: body})
	}
	if status < 200 || status >= 300 {
		return session.Grant{}, &domain.HTTPError{Service: "hcgateway", Status: status, Body: body}
	}
	return out.grant(), nil
}

// Refresh exchanges the refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context, identity, refreshToken string) (session.Grant, error) {
	var out tokenResponse
	status, body, err := c.call(ctx, http.MethodPost, "/api/v2/refresh", "", map[string]string{"refresh": refreshToken}, &out)
	if err != nil {
		return session.Grant{}, err
	}
	if status >= 400 && status < 500 {
		return session.Grant{}, fmt.Errorf("hcgateway: %w: %w", domain.ErrRefreshRejected, &domain.HTTPError{Service: "hcgateway", Status: status, Body: body})
	}
	if status < 200 || status >= 300 {
		return session.Grant{}, &domain.HTTPError{Service: "hcgateway", Status: status, Body: body}
	}
	return out.grant(), nil
}

// Validate issues an empty sleep session query with the token.
func (c *Client) Validate(ctx context.Context, accessToken string) error {
	payload := map[string]any{"queries": map[string]any{}}
	status, body, err := c.call(ctx, http.MethodPost, "/api/v2/fetch/sleepSession", accessToken, payload, nil)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("hcgateway: %w (status %d)", domain.ErrTokenRejected, status)
	case status < 200 || status >= 300:
		return &domain.HTTPError{Service: "hcgateway", Status: status, Body: body}
	}
	return nil
}

// PushSleepSessions sends one chunk of records. Non-2xx responses are
// returned in the PublishResponse; only transport failures return an error.
func (c *Client) PushSleepSessions(ctx context.Context, accessToken string, chunk []domain.SleepSessionRecord) (domain.PublishResponse, error) {
	raw, err := json.Marshal(map[string]any{"data": chunk})
	if err != nil {
		return domain.PublishResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/v2/push/sleepSession", bytes.NewReader(raw))
	if err != nil {
		return domain.PublishResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.PublishResponse{}, fmt.Errorf("hcgateway: push: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	c.log.Debug("hcgateway push response", slog.Int("records", len(chunk)), slog.Int("status", resp.StatusCode))

	out := domain.PublishResponse{Status: resp.StatusCode, Body: string(body)}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		out.Quota = domain.QuotaWindow{Remaining: 0, Reset: time.Duration(secs) * time.Second, Known: true}
	} else {
		// The gateway does not advertise a quota; treat it as unbounded.
		out.Quota = domain.QuotaWindow{Remaining: 1 << 30}
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method, path, bearer string, payload, out any) (int, string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("hcgateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || out == nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, string(body), nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, "", fmt.Errorf("hcgateway: decode %s: %w", path, err)
	}
	return resp.StatusCode, "", nil
}
