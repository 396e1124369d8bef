package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sleep-scraper/internal/domain"
	"sleep-scraper/internal/logging"
	"sleep-scraper/internal/metrics"
)

const (
	defaultExpiryBuffer = time.Minute
	defaultTokenTTL     = time.Hour
)

// CredentialStore is the subset of credstore.Store the manager needs.
type CredentialStore interface {
	Get(ctx context.Context, provider, identity string) (string, bool, error)
	Set(ctx context.Context, provider, identity, token string) error
}

// Manager renews sessions. One Manager can serve every provider.
type Manager struct {
	store        CredentialStore
	log          *slog.Logger
	now          func() time.Time
	expiryBuffer time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithExpiryBuffer sets how long before expiry a token stops being used.
func WithExpiryBuffer(d time.Duration) Option {
	return func(m *Manager) { m.expiryBuffer = d }
}

func NewManager(store CredentialStore, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		log:          log,
		now:          time.Now,
		expiryBuffer: defaultExpiryBuffer,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.expiryBuffer < 0 {
		m.expiryBuffer = 0
	}
	return m
}

// EnsureAccessToken returns a live access token for s. A cached token that
// has not expired (and, for providers that need it, has been validated in
// this process) is returned without any network call.
func (m *Manager) EnsureAccessToken(ctx context.Context, s *Session) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := m.log.With(slog.String("provider", s.Provider()), slog.String("identity", s.identity))
	validator, mustValidate := s.auth.(Validator)

	if s.live(m.now(), m.expiryBuffer) && (!mustValidate || s.validated) {
		log.Log(ctx, logging.LevelTrace, "access token is valid")
		return s.accessToken, nil
	}

	if !s.live(m.now(), m.expiryBuffer) {
		log.Debug("access token missing or expired")
		if err := m.renew(ctx, s, log); err != nil {
			return "", err
		}
	}

	if mustValidate && !s.validated {
		if err := m.validate(ctx, s, validator, log); err != nil {
			return "", err
		}
	}
	return s.accessToken, nil
}

// Invalidate records that the provider rejected s's access token during use.
// Providers with a validation probe re-validate before the next use; others
// renew.
func (m *Manager) Invalidate(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validated = false
	s.validatedAt = time.Time{}
	if _, ok := s.auth.(Validator); !ok {
		s.accessToken = ""
		s.expiry = time.Time{}
	}
}

// renew refreshes from the persisted refresh token, falling back to a full
// login when there is none or the provider rejects it.
func (m *Manager) renew(ctx context.Context, s *Session, log *slog.Logger) error {
	refreshed, err := m.refresh(ctx, s, log)
	if err != nil {
		return err
	}
	if refreshed {
		return nil
	}
	return m.login(ctx, s, log)
}

// refresh reports false when there was no usable refresh token.
func (m *Manager) refresh(ctx context.Context, s *Session, log *slog.Logger) (bool, error) {
	provider := s.Provider()
	token, ok, err := m.store.Get(ctx, provider, s.identity)
	if err != nil {
		return false, fmt.Errorf("session: load %s refresh token: %w", provider, err)
	}
	if !ok {
		log.Debug("no stored refresh token")
		return false, nil
	}

	log.Info("refreshing access token")
	grant, err := s.auth.Refresh(ctx, s.identity, token)
	if errors.Is(err, domain.ErrRefreshRejected) {
		metrics.TokenRenewals.WithLabelValues(provider, "refresh", "rejected").Inc()
		log.Warn("refresh token rejected, falling back to login", slog.String("error", err.Error()))
		return false, nil
	}
	if err != nil {
		metrics.TokenRenewals.WithLabelValues(provider, "refresh", "error").Inc()
		return false, fmt.Errorf("session: refresh %s: %w", provider, err)
	}
	metrics.TokenRenewals.WithLabelValues(provider, "refresh", "ok").Inc()
	return true, m.adopt(ctx, s, grant, token, log)
}

func (m *Manager) login(ctx context.Context, s *Session, log *slog.Logger) error {
	provider := s.Provider()
	log.Info("logging in")
	grant, err := s.auth.Login(ctx, s.identity)
	if errors.Is(err, domain.ErrNoCredentials) || errors.Is(err, domain.ErrLoginRejected) {
		metrics.TokenRenewals.WithLabelValues(provider, "login", "rejected").Inc()
		return &domain.AuthError{Provider: provider, Identity: s.identity, Err: err}
	}
	if err != nil {
		metrics.TokenRenewals.WithLabelValues(provider, "login", "error").Inc()
		return fmt.Errorf("session: login %s: %w", provider, err)
	}
	metrics.TokenRenewals.WithLabelValues(provider, "login", "ok").Inc()
	return m.adopt(ctx, s, grant, "", log)
}

// adopt installs grant in s and persists a rotated refresh token. previous
// is the refresh token the grant was obtained with, if any.
func (m *Manager) adopt(ctx context.Context, s *Session, grant Grant, previous string, log *slog.Logger) error {
	if grant.AccessToken == "" {
		return &domain.AuthError{Provider: s.Provider(), Identity: s.identity, Err: errors.New("provider returned an empty access token")}
	}
	now := m.now()
	expiry := grant.Expiry
	if expiry.IsZero() {
		ttl := grant.ExpiresIn
		if ttl <= 0 {
			ttl = defaultTokenTTL
		}
		expiry = now.Add(ttl)
	}

	s.accessToken = grant.AccessToken
	s.expiry = expiry
	s.validated = false
	s.validatedAt = time.Time{}

	switch {
	case grant.RefreshToken != "":
		if err := m.store.Set(ctx, s.Provider(), s.identity, grant.RefreshToken); err != nil {
			return fmt.Errorf("session: persist %s refresh token: %w", s.Provider(), err)
		}
		s.refreshToken = grant.RefreshToken
		log.Info("refresh token saved")
	case previous != "":
		s.refreshToken = previous
	}
	log.Info("access token received", slog.Time("expiry", expiry))
	return nil
}

// validate probes the current token and escalates through refresh and login
// when the provider rejects it.
func (m *Manager) validate(ctx context.Context, s *Session, v Validator, log *slog.Logger) error {
	ok, err := m.probe(ctx, s, v)
	if err != nil || ok {
		return err
	}

	log.Warn("access token rejected, refreshing")
	refreshed, err := m.refresh(ctx, s, log)
	if err != nil {
		return err
	}
	if refreshed {
		if ok, err := m.probe(ctx, s, v); err != nil || ok {
			return err
		}
		log.Warn("refreshed token rejected, logging in")
	}

	if err := m.login(ctx, s, log); err != nil {
		return err
	}
	ok, err = m.probe(ctx, s, v)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.AuthError{Provider: s.Provider(), Identity: s.identity, Err: domain.ErrTokenRejected}
	}
	return nil
}

// probe runs one validation request. A rejection is reported as ok=false
// with a nil error.
func (m *Manager) probe(ctx context.Context, s *Session, v Validator) (bool, error) {
	err := v.Validate(ctx, s.accessToken)
	if errors.Is(err, domain.ErrTokenRejected) {
		metrics.TokenValidations.WithLabelValues(s.Provider(), "rejected").Inc()
		return false, nil
	}
	if err != nil {
		metrics.TokenValidations.WithLabelValues(s.Provider(), "error").Inc()
		return false, fmt.Errorf("session: validate %s token: %w", s.Provider(), err)
	}
	metrics.TokenValidations.WithLabelValues(s.Provider(), "ok").Inc()
	s.validated = true
	s.validatedAt = m.now()
	return true, nil
}
