package fitbit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sleep-scraper/internal/domain"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCreateSleepLog_ReadsQuotaHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/1.2/user/-/sleep.json", r.URL.Path)
		assert.Equal(t, "2024-01-10", r.URL.Query().Get("date"))
		assert.Equal(t, "23:15", r.URL.Query().Get("startTime"))
		assert.Equal(t, "27000000", r.URL.Query().Get("duration"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("fitbit-rate-limit-remaining", "3")
		w.Header().Set("fitbit-rate-limit-reset", "30")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, discardLogger())
	resp, err := c.CreateSleepLog(context.Background(), "tok", domain.SleepLog{Date: "2024-01-10", StartTime: "23:15", DurationMs: 27000000})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, domain.QuotaWindow{Remaining: 3, Reset: 30 * time.Second, Known: true}, resp.Quota)
}

func TestCreateSleepLog_MissingHeadersUseDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "slow down")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, discardLogger())
	resp, err := c.CreateSleepLog(context.Background(), "tok", domain.SleepLog{Date: "2024-01-10"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Equal(t, "slow down", resp.Body)
	assert.Equal(t, 1, resp.Quota.Remaining)
	assert.Equal(t, time.Second, resp.Quota.Reset)
	assert.False(t, resp.Quota.Known)
}

func TestAuth_RefreshRotatesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "cid", user)
		if r.PostForm.Get("refresh_token") != "r1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"errors":[{"errorType":"invalid_grant"}]}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"a2","refresh_token":"r2","expires_in":28800,"token_type":"Bearer"}`)
	}))
	defer srv.Close()

	a := NewAuth("cid", "secret", "http://localhost/callback", "", srv.URL, discardLogger())

	g, err := a.Refresh(context.Background(), "s1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", g.AccessToken)
	assert.Equal(t, "r2", g.RefreshToken)
	assert.False(t, g.Expiry.IsZero())

	_, err = a.Refresh(context.Background(), "s1", "expired")
	assert.True(t, errors.Is(err, domain.ErrRefreshRejected))
}

func TestAuth_LoginNeedsBrowser(t *testing.T) {
	a := NewAuth("cid", "secret", "", "", "", discardLogger())
	_, err := a.Login(context.Background(), "s1")
	assert.True(t, errors.Is(err, domain.ErrNoCredentials))
	assert.Contains(t, a.AuthCodeURL("s1"), "state=s1")
}
