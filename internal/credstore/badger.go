package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const credentialKeyPrefix = "cred:"

// Badger is a Store backed by an embedded BadgerDB. Each Set runs in its own
// read-write transaction, so concurrent writers for different keys never
// lose each other's updates.
type Badger struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadger opens (or creates) a BadgerDB at path. An empty path opens an
// in-memory database.
func OpenBadger(path string, log *slog.Logger) (*Badger, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	if log != nil {
		opts = opts.WithLogger(badgerLogger{log: log.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("credstore: open badger: %w", err)
	}
	return NewBadger(db), nil
}

// NewBadger wraps an already opened database.
func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db, now: time.Now}
}

func badgerKey(provider, identity string) []byte {
	return []byte(credentialKeyPrefix + provider + ":" + identity)
}

func (b *Badger) Get(ctx context.Context, provider, identity string) (string, bool, error) {
	if err := checkKey(provider, identity); err != nil {
		return "", false, err
	}
	var e entry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(provider, identity))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("credstore: get %s/%s: %w", provider, identity, err)
	}
	return e.Token, e.Token != "", nil
}

func (b *Badger) Set(ctx context.Context, provider, identity, token string) error {
	if err := checkKey(provider, identity); err != nil {
		return err
	}
	data, err := json.Marshal(entry{Token: token, UpdatedAt: b.now().UTC()})
	if err != nil {
		return fmt.Errorf("credstore: marshal: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(provider, identity), data)
	})
	if err != nil {
		return fmt.Errorf("credstore: set %s/%s: %w", provider, identity, err)
	}
	return nil
}

func (b *Badger) SetIfAbsent(ctx context.Context, provider, identity, token string) (bool, error) {
	if err := checkKey(provider, identity); err != nil {
		return false, err
	}
	data, err := json.Marshal(entry{Token: token, UpdatedAt: b.now().UTC()})
	if err != nil {
		return false, fmt.Errorf("credstore: marshal: %w", err)
	}
	written := false
	err = b.db.Update(func(txn *badger.Txn) error {
		key := badgerKey(provider, identity)
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		written = true
		return txn.Set(key, data)
	})
	if err != nil {
		return false, fmt.Errorf("credstore: set %s/%s: %w", provider, identity, err)
	}
	return written, nil
}

// Close closes the underlying database.
func (b *Badger) Close() error { return b.db.Close() }

// badgerLogger routes badger's printf-style logging to slog. Info and debug
// output is demoted; badger is chatty at startup.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
