// Package credstore persists long-lived refresh tokens per provider and
// identity. Refresh tokens rotate on every exchange, so writes always
// overwrite; a read after a write returns exactly the written value.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Provider names used as the first key component.
const (
	ProviderSleepNumber = "sleepnumber"
	ProviderFitbit      = "fitbit"
	ProviderHCGateway   = "hcgateway"
)

// Store is a durable key/value store of refresh tokens keyed by provider and
// identity. Implementations must be safe for concurrent use and must update
// a single key atomically.
type Store interface {
	// Get returns the refresh token, or ok=false when none is stored.
	Get(ctx context.Context, provider, identity string) (token string, ok bool, err error)
	// Set stores token, replacing any previous value.
	Set(ctx context.Context, provider, identity, token string) error
	// SetIfAbsent stores token only when no value exists. It reports whether
	// the token was written.
	SetIfAbsent(ctx context.Context, provider, identity, token string) (bool, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend       string // badger (default) or redis
	Path          string // badger directory
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// entry is the stored value.
type entry struct {
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updated_at"`
}

var errEmptyKey = errors.New("credstore: provider and identity are required")

// Open creates the configured backend.
func Open(ctx context.Context, opts Options, log *slog.Logger) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", "badger":
		return OpenBadger(opts.Path, log)
	case "redis":
		return OpenRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("credstore: unknown backend %q", opts.Backend)
	}
}

func checkKey(provider, identity string) error {
	if strings.TrimSpace(provider) == "" || strings.TrimSpace(identity) == "" {
		return errEmptyKey
	}
	return nil
}
