package watermark

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sleep-scraper/internal/domain"
)

type fakeSource struct {
	ts    time.Time
	ok    bool
	err   error
	since time.Time
}

func (f *fakeSource) LatestTimestamp(ctx context.Context, entity, measurement string, since time.Time) (time.Time, bool, error) {
	f.since = since
	return f.ts, f.ok, f.err
}

func newResolver(src *fakeSource) *Resolver {
	return &Resolver{Source: src, Measurement: "sleep_data", Log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestResolve_EmptyDestinationIsNone(t *testing.T) {
	_, ok, err := newResolver(&fakeSource{}).Resolve(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolve_QueryFailureIsNotNone(t *testing.T) {
	boom := errors.New("connection refused")
	_, ok, err := newResolver(&fakeSource{err: boom}).Resolve(context.Background(), "s1")
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, domain.ErrDestinationQuery))
	assert.True(t, errors.Is(err, boom))
}

func TestResolve_ReturnsLatest(t *testing.T) {
	want := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	got, ok, err := newResolver(&fakeSource{ts: want, ok: true}).Resolve(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)
}

func TestResolve_LookbackBoundsQuery(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{}
	r := newResolver(src)
	r.Lookback = 30 * 24 * time.Hour
	r.Now = func() time.Time { return now }

	_, _, err := r.Resolve(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), src.since)
}
