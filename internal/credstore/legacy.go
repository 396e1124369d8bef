package credstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

// legacyDocument is the flat token document written by earlier deployments:
// provider, then identity, then refresh token.
type legacyDocument struct {
	SleepNumber map[string]string `json:"sleepNumber"`
	Fitbit      map[string]string `json:"fitbit"`
	HCGateway   *legacyLogin      `json:"hcgateway"`
}

// legacyLogin is the single gateway login the file holds. It names no user.
type legacyLogin struct {
	Refresh string `json:"refresh"`
}

// ImportJSON copies tokens from a legacy tokens.json into store. Tokens
// already present in store win, since they may have rotated since the file
// was written. The gateway login is stored under gatewayUser; it is skipped
// when gatewayUser is empty. A missing file is not an error.
func ImportJSON(ctx context.Context, store Store, path, gatewayUser string, log *slog.Logger) (int, error) {
	if path == "" {
		return 0, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug("no legacy token file", slog.String("path", path))
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("credstore: read %s: %w", path, err)
	}
	var doc legacyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("credstore: decode %s: %w", path, err)
	}

	gateway := map[string]string{}
	if doc.HCGateway != nil && doc.HCGateway.Refresh != "" {
		if gatewayUser != "" {
			gateway[gatewayUser] = doc.HCGateway.Refresh
		} else {
			log.Warn("legacy gateway token skipped: no single gateway user configured", slog.String("path", path))
		}
	}

	imported := 0
	for _, group := range []struct {
		provider string
		tokens   map[string]string
	}{
		{ProviderSleepNumber, doc.SleepNumber},
		{ProviderFitbit, doc.Fitbit},
		{ProviderHCGateway, gateway},
	} {
		ids := make([]string, 0, len(group.tokens))
		for id := range group.tokens {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			token := group.tokens[id]
			if token == "" {
				continue
			}
			ok, err := store.SetIfAbsent(ctx, group.provider, id, token)
			if err != nil {
				return imported, err
			}
			if ok {
				imported++
				log.Info("imported legacy refresh token", slog.String("provider", group.provider), slog.String("identity", id))
			}
		}
	}
	return imported, nil
}
