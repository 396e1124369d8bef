package hcgateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sleep-scraper/internal/domain"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLoginRefreshValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.Path {
		case "/api/v2/login":
			if body["password"] != "pw" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_, _ = io.WriteString(w, `{"token":"t1","refresh":"r1","expiry":"2030-01-01T00:00:00Z"}`)
		case "/api/v2/refresh":
			if body["refresh"] != "r1" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_, _ = io.WriteString(w, `{"token":"t2","refresh":"r2","expiry":"2030-01-01T00:00:00Z"}`)
		case "/api/v2/fetch/sleepSession":
			if r.Header.Get("Authorization") != "Bearer t2" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_, _ = io.WriteString(w, `[]`)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, map[string]string{"ann": "pw", "bob": "nope"}, discardLogger())
	ctx := context.Background()

	g, err := c.Login(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, "t1", g.AccessToken)
	assert.Equal(t, 2030, g.Expiry.Year())

	_, err = c.Login(ctx, "bob")
	assert.True(t, errors.Is(err, domain.ErrLoginRejected))
	_, err = c.Login(ctx, "carol")
	assert.True(t, errors.Is(err, domain.ErrNoCredentials))

	g, err = c.Refresh(ctx, "ann", "r1")
	require.NoError(t, err)
	assert.Equal(t, "r2", g.RefreshToken)
	_, err = c.Refresh(ctx, "ann", "old")
	assert.True(t, errors.Is(err, domain.ErrRefreshRejected))

	assert.NoError(t, c.Validate(ctx, "t2"))
	assert.True(t, errors.Is(c.Validate(ctx, "t1"), domain.ErrTokenRejected))
}

func TestPushSleepSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/v2/push/sleepSession", r.URL.Path)
		var body struct {
			Data []domain.SleepSessionRecord `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if len(body.Data) > 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "sleepnumber-s1-2024-01-10", body.Data[0].Metadata.ClientRecordID)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, discardLogger())
	rec := domain.SleepSessionRecord{StartTime: "2024-01-10T04:00:00Z", EndTime: "2024-01-10T12:00:00Z",
		Metadata: domain.RecordMetadata{ClientRecordID: "sleepnumber-s1-2024-01-10", ClientRecordVersion: 1}}

	resp, err := c.PushSleepSessions(context.Background(), "tok", []domain.SleepSessionRecord{rec})
	require.NoError(t, err)
	assert.True(t, resp.OK())

	resp, err = c.PushSleepSessions(context.Background(), "tok", []domain.SleepSessionRecord{rec, rec})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Equal(t, 7*time.Second, resp.Quota.Reset)
}
