// Package watermark finds where the previous sync left off for an entity.
package watermark

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sleep-scraper/internal/domain"
	"sleep-scraper/internal/metrics"
	"sleep-scraper/internal/ports"
)

// Resolver queries the newest stored timestamp of one measurement.
type Resolver struct {
	Source      ports.WatermarkSource
	Measurement string
	// Lookback bounds the query to points newer than now-Lookback. Zero
	// scans the whole history.
	Lookback time.Duration
	Now      func() time.Time
	Log      *slog.Logger
}

// Resolve returns the watermark for entity. ok is false when the destination
// holds no points for it. A failed query is returned as an error wrapping
// domain.ErrDestinationQuery and never as "no watermark".
func (r *Resolver) Resolve(ctx context.Context, entity string) (time.Time, bool, error) {
	var since time.Time
	if r.Lookback > 0 {
		now := time.Now
		if r.Now != nil {
			now = r.Now
		}
		since = now().Add(-r.Lookback)
	}
	ts, ok, err := r.Source.LatestTimestamp(ctx, entity, r.Measurement, since)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: latest %s for %q: %w", domain.ErrDestinationQuery, r.Measurement, entity, err)
	}
	if !ok {
		r.Log.Info("no watermark, cold start", slog.String("entity", entity))
		return time.Time{}, false, nil
	}
	metrics.Watermark.WithLabelValues(entity).Set(float64(ts.Unix()))
	r.Log.Info("watermark resolved", slog.String("entity", entity), slog.Time("watermark", ts))
	return ts, true, nil
}
