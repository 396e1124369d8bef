package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
)

// Redis is a Store backed by one redis hash per provider. HSET and HSETNX
// are atomic per field, which gives per-key transactional updates.
type Redis struct {
	client *goredis.Client
	prefix string
	now    func() time.Time
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("credstore: redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(c).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("credstore: ping redis: %w", err)
	}
	return NewRedis(client, prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *goredis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "sleep-scraper:credentials"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) hashKey(provider string) string {
	return r.prefix + ":" + provider
}

func (r *Redis) Get(ctx context.Context, provider, identity string) (string, bool, error) {
	if err := checkKey(provider, identity); err != nil {
		return "", false, err
	}
	raw, err := r.client.HGet(ctx, r.hashKey(provider), identity).Bytes()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("credstore: get %s/%s: %w", provider, identity, err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", false, fmt.Errorf("credstore: decode %s/%s: %w", provider, identity, err)
	}
	return e.Token, e.Token != "", nil
}

func (r *Redis) Set(ctx context.Context, provider, identity, token string) error {
	if err := checkKey(provider, identity); err != nil {
		return err
	}
	data, err := json.Marshal(entry{Token: token, UpdatedAt: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("credstore: marshal: %w", err)
	}
	if err := r.client.HSet(ctx, r.hashKey(provider), identity, data).Err(); err != nil {
		return fmt.Errorf("credstore: set %s/%s: %w", provider, identity, err)
	}
	return nil
}

func (r *Redis) SetIfAbsent(ctx context.Context, provider, identity, token string) (bool, error) {
	if err := checkKey(provider, identity); err != nil {
		return false, err
	}
	data, err := json.Marshal(entry{Token: token, UpdatedAt: r.now().UTC()})
	if err != nil {
		return false, fmt.Errorf("credstore: marshal: %w", err)
	}
	ok, err := r.client.HSetNX(ctx, r.hashKey(provider), identity, data).Result()
	if err != nil {
		return false, fmt.Errorf("credstore: set %s/%s: %w", provider, identity, err)
	}
	return ok, nil
}

// Close closes the redis client.
func (r *Redis) Close() error { return r.client.Close() }
