package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sleep-scraper/internal/domain"
	"sleep-scraper/internal/planner"
	"sleep-scraper/internal/publisher"
	"sleep-scraper/internal/session"
)

var today = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

// fakeVendor returns one longest session for each listed day; any month or
// day not listed is empty.
type fakeVendor struct {
	mu       sync.Mutex
	sleepers []domain.Sleeper
	beds     []domain.Bed
	days     map[string][]string // sleeper -> dates with data
	failures map[string]int      // request -> remaining failures
	requests []string
}

func (f *fakeVendor) ListSleepers(ctx context.Context) ([]domain.Sleeper, error) { return f.sleepers, nil }
func (f *fakeVendor) ListBeds(ctx context.Context) ([]domain.Bed, error)         { return f.beds, nil }

func (f *fakeVendor) FetchSleepData(ctx context.Context, sleeperID string, interval domain.Interval, date time.Time) (domain.SleepData, error) {
	f.mu.Lock()
	req := sleeperID + " " + string(interval) + " " + date.Format("2006-01-02")
	f.requests = append(f.requests, req)
	if f.failures[req] > 0 {
		f.failures[req]--
		f.mu.Unlock()
		return domain.SleepData{}, errors.New("connection reset by peer")
	}
	f.mu.Unlock()

	out := domain.SleepData{SleeperID: sleeperID}
	for _, d := range f.days[sleeperID] {
		day, _ := time.ParseInLocation("2006-01-02", d, date.Location())
		inUnit := day.Equal(date)
		if interval == domain.IntervalMonth {
			inUnit = day.Year() == date.Year() && day.Month() == date.Month()
		}
		if !inUnit {
			continue
		}
		start := day.Add(-2 * time.Hour)
		out.Days = append(out.Days, domain.SleepDay{Date: d, Sessions: []domain.SleepSession{{
			Start: start, End: start.Add(8 * time.Hour), Longest: true, Finalized: true, TotalSleepSessionTime: 7 * 3600,
		}}})
	}
	return out, nil
}

type fakePoints struct {
	mu       sync.Mutex
	points   []domain.Point
	deleted  string
	writeErr error
}

func (f *fakePoints) WritePoints(ctx context.Context, points []domain.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.points = append(f.points, points...)
	return nil
}

// Resolve reports the newest stored point, so consecutive runs see what the
// previous one wrote.
func (f *fakePoints) Resolve(ctx context.Context, entity string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest time.Time
	found := false
	for _, p := range f.points {
		if p.Entity == entity && (!found || p.Time.After(latest)) {
			latest, found = p.Time, true
		}
	}
	return latest, found, nil
}

func (f *fakePoints) DeletePoints(ctx context.Context, measurement string) (int64, error) {
	f.deleted = measurement
	n := int64(len(f.points))
	f.points = nil
	return n, nil
}

type fakeWatermarks map[string]any // time.Time or error

func (f fakeWatermarks) Resolve(ctx context.Context, entity string) (time.Time, bool, error) {
	switch v := f[entity].(type) {
	case time.Time:
		return v, true, nil
	case error:
		return time.Time{}, false, v
	}
	return time.Time{}, false, nil
}

// fakeTokens issues "<identity>-<n>" tokens; identities in denied fail.
type fakeTokens struct {
	mu          sync.Mutex
	issued      map[string]int
	denied      map[string]bool
	invalidated int
}

func (f *fakeTokens) EnsureAccessToken(ctx context.Context, s *session.Session) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied[s.Identity()] {
		return "", &domain.AuthError{Provider: s.Provider(), Identity: s.Identity(), Err: domain.ErrNoCredentials}
	}
	if f.issued == nil {
		f.issued = map[string]int{}
	}
	return s.Identity() + "-" + string(rune('0'+f.issued[s.Identity()])), nil
}

func (f *fakeTokens) Invalidate(s *session.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	f.issued[s.Identity()]++
}

type stubAuth struct{ provider string }

func (a stubAuth) Provider() string { return a.provider }
func (a stubAuth) Login(ctx context.Context, identity string) (session.Grant, error) {
	return session.Grant{}, domain.ErrNoCredentials
}
func (a stubAuth) Refresh(ctx context.Context, identity, rt string) (session.Grant, error) {
	return session.Grant{}, domain.ErrRefreshRejected
}

type fakeFitbit struct {
	mu       sync.Mutex
	logs     []domain.SleepLog
	tokens   []string
	rejectOn string // token answered with 401
}

func (f *fakeFitbit) CreateSleepLog(ctx context.Context, token string, entry domain.SleepLog) (domain.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if token == f.rejectOn {
		return domain.PublishResponse{Status: http.StatusUnauthorized}, nil
	}
	f.logs = append(f.logs, entry)
	return domain.PublishResponse{Status: http.StatusCreated, Quota: domain.QuotaWindow{Remaining: 100, Reset: time.Hour, Known: true}}, nil
}

type fakeHealth struct {
	mu     sync.Mutex
	chunks [][]domain.SleepSessionRecord
}

func (f *fakeHealth) PushSleepSessions(ctx context.Context, token string, chunk []domain.SleepSessionRecord) (domain.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	return domain.PublishResponse{Status: http.StatusOK, Quota: domain.QuotaWindow{Remaining: 1 << 30}}, nil
}

func newUseCase(v *fakeVendor, p *fakePoints, wm fakeWatermarks, tokens *fakeTokens) *SyncUseCase {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &SyncUseCase{
		Log:        log,
		Vendor:     v,
		Points:     p,
		Watermarks: wm,
		Planner:    planner.Planner{Now: func() time.Time { return today }},
		Tokens:     tokens,
		Publisher: &publisher.Publisher{
			Sleeper: publisher.SleeperFunc(func(ctx context.Context, d time.Duration) error { return nil }),
			Log:     log,
		},
		Location:    time.UTC,
		Concurrency: 2,
	}
}

func TestRun_ColdStartBackfillsAndPublishesOldestFirst(t *testing.T) {
	v := &fakeVendor{
		sleepers: []domain.Sleeper{{ID: "s1", FirstName: "Ann", BedID: "b1"}},
		beds:     []domain.Bed{{ID: "b1", Timezone: "UTC"}},
		days:     map[string][]string{"s1": {"2024-03-02", "2024-03-10", "2024-02-20", "2024-01-05"}},
	}
	points := &fakePoints{}
	fitbit := &fakeFitbit{}
	health := &fakeHealth{}
	uc := newUseCase(v, points, fakeWatermarks{}, &fakeTokens{})
	uc.Fitbit = &FitbitDestination{Client: fitbit, Auth: stubAuth{"fitbit"}}
	uc.Health = &HealthDestination{Client: health, Auth: stubAuth{"hcgateway"}, Users: map[string]string{"Ann": "ann"}, ChunkSize: 3}

	sum, err := uc.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Sleepers, 1)
	res := sum.Sleepers[0]
	assert.True(t, res.Cold)
	assert.Equal(t, 4, res.Units, "three months with data and one empty month")
	assert.Equal(t, []string{"s1 M1 2024-03-01", "s1 M1 2024-02-01", "s1 M1 2024-01-01", "s1 M1 2023-12-01"}, v.requests)
	assert.Len(t, points.points, 4)

	require.Len(t, fitbit.logs, 4)
	for i := 1; i < len(fitbit.logs); i++ {
		assert.True(t, fitbit.logs[i-1].EndTime.Before(fitbit.logs[i].EndTime), "fitbit logs ascending")
	}
	require.Len(t, health.chunks, 2)
	assert.Len(t, health.chunks[0], 3)
	assert.Len(t, health.chunks[1], 1)
	assert.Equal(t, "sleepnumber-s1-2024-01-05", health.chunks[0][0].Metadata.ClientRecordID)
	assert.Equal(t, 4, res.Fitbit.Sent)
	assert.NotEmpty(t, sum.RunID)
}

func TestRun_WarmStartFetchesDaysAfterWatermark(t *testing.T) {
	v := &fakeVendor{
		sleepers: []domain.Sleeper{{ID: "s1"}},
		days:     map[string][]string{"s1": {"2024-03-13", "2024-03-15"}},
	}
	points := &fakePoints{}
	uc := newUseCase(v, points, fakeWatermarks{"s1": time.Date(2024, 3, 12, 6, 0, 0, 0, time.UTC)}, &fakeTokens{})

	sum, err := uc.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, sum.Sleepers[0].Cold)
	assert.Equal(t, []string{"s1 D1 2024-03-13", "s1 D1 2024-03-14", "s1 D1 2024-03-15"}, v.requests)
	assert.Len(t, points.points, 2)
}

func TestRun_FailedBackfillStoresNothingAndResumes(t *testing.T) {
	v := &fakeVendor{
		sleepers: []domain.Sleeper{{ID: "s1"}},
		days:     map[string][]string{"s1": {"2024-03-10", "2024-02-20", "2024-01-05"}},
		failures: map[string]int{"s1 M1 2024-02-01": 1},
	}
	points := &fakePoints{}
	fitbit := &fakeFitbit{}
	uc := newUseCase(v, points, nil, &fakeTokens{})
	uc.Watermarks = points
	uc.Fitbit = &FitbitDestination{Client: fitbit, Auth: stubAuth{"fitbit"}}

	sum, err := uc.Run(context.Background())
	require.Error(t, err)
	assert.True(t, sum.Sleepers[0].Cold)
	assert.Empty(t, points.points, "an interrupted backfill must not move the watermark")
	assert.Empty(t, fitbit.logs)

	v.requests = nil
	sum, err = uc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Sleepers[0].Cold, "the retry is still a cold start")
	assert.Equal(t, []string{"s1 M1 2024-03-01", "s1 M1 2024-02-01", "s1 M1 2024-01-01", "s1 M1 2023-12-01"}, v.requests)
	assert.Len(t, points.points, 3)
	assert.Len(t, fitbit.logs, 3)
}

func TestRun_WarmFailurePublishesStoredDays(t *testing.T) {
	v := &fakeVendor{
		sleepers: []domain.Sleeper{{ID: "s1"}},
		days:     map[string][]string{"s1": {"2024-03-13", "2024-03-15"}},
		failures: map[string]int{"s1 D1 2024-03-14": 1},
	}
	points := &fakePoints{points: []domain.Point{{Entity: "s1", Time: time.Date(2024, 3, 12, 6, 0, 0, 0, time.UTC)}}}
	fitbit := &fakeFitbit{}
	uc := newUseCase(v, points, nil, &fakeTokens{})
	uc.Watermarks = points
	uc.Fitbit = &FitbitDestination{Client: fitbit, Auth: stubAuth{"fitbit"}}

	sum, err := uc.Run(context.Background())
	require.Error(t, err)
	res := sum.Sleepers[0]
	assert.Equal(t, 1, res.Units)
	assert.Equal(t, 1, res.Points)
	require.NotNil(t, res.Fitbit)
	assert.Equal(t, 1, res.Fitbit.Sent, "the day before the failure is still published")
	assert.Len(t, points.points, 2)

	_, err = uc.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, points.points, 3)
	require.Len(t, fitbit.logs, 2)
	assert.True(t, fitbit.logs[0].EndTime.Before(fitbit.logs[1].EndTime))
}

func TestRun_PointWriteFailurePublishesNothing(t *testing.T) {
	v := &fakeVendor{
		sleepers: []domain.Sleeper{{ID: "s1"}},
		days:     map[string][]string{"s1": {"2024-03-14"}},
	}
	fitbit := &fakeFitbit{}
	uc := newUseCase(v, &fakePoints{writeErr: errors.New("deadlock")}, fakeWatermarks{"s1": time.Date(2024, 3, 13, 6, 0, 0, 0, time.UTC)}, &fakeTokens{})
	uc.Fitbit = &FitbitDestination{Client: fitbit, Auth: stubAuth{"fitbit"}}

	sum, err := uc.Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, sum.Sleepers[0].Points)
	assert.Nil(t, sum.Sleepers[0].Fitbit)
	assert.Empty(t, fitbit.tokens)
}

func TestRun_WatermarkErrorIsNotColdStart(t *testing.T) {
	v := &fakeVendor{
		sleepers: []domain.Sleeper{{ID: "bad"}, {ID: "good"}},
		days:     map[string][]string{"good": {"2024-03-14"}},
	}
	points := &fakePoints{}
	wm := fakeWatermarks{
		"bad":  domain.ErrDestinationQuery,
		"good": time.Date(2024, 3, 13, 6, 0, 0, 0, time.UTC),
	}
	uc := newUseCase(v, points, wm, &fakeTokens{})

	_, err := uc.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDestinationQuery))
	for _, r := range v.requests {
		assert.NotContains(t, r, "bad", "no fetch for a sleeper without a known watermark")
	}
	assert.Len(t, points.points, 1, "other sleepers still sync")
}

func TestRun_FitbitUnauthorizedRenewsOnce(t *testing.T) {
	v := &fakeVendor{
		sleepers: []domain.Sleeper{{ID: "s1"}},
		days:     map[string][]string{"s1": {"2024-03-14"}},
	}
	fitbit := &fakeFitbit{rejectOn: "s1-0"}
	tokens := &fakeTokens{}
	uc := newUseCase(v, &fakePoints{}, fakeWatermarks{"s1": time.Date(2024, 3, 13, 6, 0, 0, 0, time.UTC)}, tokens)
	uc.Fitbit = &FitbitDestination{Client: fitbit, Auth: stubAuth{"fitbit"}}

	_, err := uc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"s1-0", "s1-1"}, fitbit.tokens)
	assert.Equal(t, 1, tokens.invalidated)
	assert.Len(t, fitbit.logs, 1)
}

func TestRun_UnlinkedFitbitIsSkipped(t *testing.T) {
	v := &fakeVendor{
		sleepers: []domain.Sleeper{{ID: "s1"}},
		days:     map[string][]string{"s1": {"2024-03-14"}},
	}
	fitbit := &fakeFitbit{}
	uc := newUseCase(v, &fakePoints{}, fakeWatermarks{"s1": time.Date(2024, 3, 13, 6, 0, 0, 0, time.UTC)}, &fakeTokens{denied: map[string]bool{"s1": true}})
	uc.Fitbit = &FitbitDestination{Client: fitbit, Auth: stubAuth{"fitbit"}}

	sum, err := uc.Run(context.Background())
	require.NoError(t, err, "an auth failure only skips that destination")
	assert.Nil(t, sum.Sleepers[0].Fitbit)
	assert.Empty(t, fitbit.tokens)
}

func TestReset(t *testing.T) {
	points := &fakePoints{points: []domain.Point{{}, {}}}
	uc := newUseCase(&fakeVendor{}, points, fakeWatermarks{}, &fakeTokens{})
	require.NoError(t, uc.Reset(context.Background()))
	assert.Equal(t, "sleep_data", points.deleted)
	assert.Empty(t, points.points)
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	uc := newUseCase(&fakeVendor{}, &fakePoints{}, fakeWatermarks{}, &fakeTokens{})
	uc.running.Lock()
	defer uc.running.Unlock()
	_, err := uc.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestChunk(t *testing.T) {
	got := chunk([]int{1, 2, 3, 4, 5, 6, 7}, 5)
	assert.Equal(t, [][]int{{1, 2, 3, 4, 5}, {6, 7}}, got)
	assert.Empty(t, chunk([]int{}, 5))
}
