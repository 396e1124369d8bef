package ports

import (
	"context"
	"time"

	"sleep-scraper/internal/domain"
)

// SleepAPI fetches sleepers, beds and sleep data from the vendor.
type SleepAPI interface {
	ListSleepers(ctx context.Context) ([]domain.Sleeper, error)
	ListBeds(ctx context.Context) ([]domain.Bed, error)
	FetchSleepData(ctx context.Context, sleeperID string, interval domain.Interval, date time.Time) (domain.SleepData, error)
}

// PointStore persists metric points.
type PointStore interface {
	WritePoints(ctx context.Context, points []domain.Point) error
	DeletePoints(ctx context.Context, measurement string) (int64, error)
}

// WatermarkSource answers "newest stored timestamp" queries. A query with no
// matching rows reports ok=false and a nil error.
type WatermarkSource interface {
	LatestTimestamp(ctx context.Context, entity, measurement string, since time.Time) (time.Time, bool, error)
}

// SleepLogPublisher creates fitness-tracker sleep logs.
type SleepLogPublisher interface {
	CreateSleepLog(ctx context.Context, accessToken string, entry domain.SleepLog) (domain.PublishResponse, error)
}

// HealthPusher pushes sleep session records to the health gateway.
type HealthPusher interface {
	PushSleepSessions(ctx context.Context, accessToken string, chunk []domain.SleepSessionRecord) (domain.PublishResponse, error)
}
