package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sleep-scraper/internal/derive"
	"sleep-scraper/internal/domain"
	"sleep-scraper/internal/logging"
	"sleep-scraper/internal/metrics"
	"sleep-scraper/internal/planner"
	"sleep-scraper/internal/ports"
	"sleep-scraper/internal/publisher"
	"sleep-scraper/internal/session"
)

// ErrRunInProgress is returned when a sync is requested while one is running.
var ErrRunInProgress = errors.New("sync already running")

// Watermarks resolves the newest stored timestamp of an entity.
type Watermarks interface {
	Resolve(ctx context.Context, entity string) (time.Time, bool, error)
}

// Tokens hands out access tokens for destination sessions.
type Tokens interface {
	EnsureAccessToken(ctx context.Context, s *session.Session) (string, error)
	Invalidate(s *session.Session)
}

// FitbitDestination publishes sleep logs. Auth is the authenticator used for
// each sleeper's session, keyed by sleeper ID.
type FitbitDestination struct {
	Client ports.SleepLogPublisher
	Auth   session.Authenticator
}

// HealthDestination pushes sleep sessions. Users maps a sleeper ID or first
// name to the gateway username.
type HealthDestination struct {
	Client    ports.HealthPusher
	Auth      session.Authenticator
	Users     map[string]string
	ChunkSize int
}

// SyncUseCase coordinates fetching from the vendor, writing metric points
// and publishing to the configured destinations.
type SyncUseCase struct {
	Log        *slog.Logger
	Vendor     ports.SleepAPI
	Points     ports.PointStore
	Watermarks Watermarks
	Planner    planner.Planner
	Derive     derive.Options
	Tokens     Tokens
	Publisher  *publisher.Publisher
	Fitbit     *FitbitDestination
	Health     *HealthDestination
	// Location is the timezone for sleepers whose bed has none.
	Location    *time.Location
	Concurrency int

	running  sync.Mutex
	mu       sync.Mutex
	sessions map[string]*session.Session
}

// Result summarizes one sleeper's sync.
type Result struct {
	SleeperID string
	Cold      bool
	Units     int
	Points    int
	Truncated bool
	Fitbit    *publisher.Report
	Health    *publisher.Report
	Err       error
}

// Summary is the outcome of one run.
type Summary struct {
	RunID    string
	Started  time.Time
	Duration time.Duration
	Sleepers []Result
}

// Run syncs every sleeper on the account. Per-sleeper failures are collected
// and joined; a failure for one sleeper does not stop the others.
func (uc *SyncUseCase) Run(ctx context.Context) (Summary, error) {
	if uc.Vendor == nil || uc.Points == nil || uc.Watermarks == nil {
		return Summary{}, errors.New("usecase not initialized: missing dependencies")
	}
	if !uc.running.TryLock() {
		return Summary{}, ErrRunInProgress
	}
	defer uc.running.Unlock()

	sum := Summary{RunID: uuid.NewString(), Started: time.Now()}
	log := uc.Log.With(slog.String("run_id", sum.RunID))
	log.Info("sync started")

	err := uc.run(ctx, log, &sum)
	sum.Duration = time.Since(sum.Started)
	metrics.SyncDuration.Observe(sum.Duration.Seconds())
	if err != nil {
		metrics.SyncRuns.WithLabelValues("error").Inc()
		log.Error("sync failed", slog.String("error", err.Error()), slog.Duration("dur", sum.Duration))
		return sum, err
	}
	metrics.SyncRuns.WithLabelValues("ok").Inc()
	log.Info("sync completed", slog.Int("sleepers", len(sum.Sleepers)), slog.Duration("dur", sum.Duration))
	return sum, nil
}

func (uc *SyncUseCase) run(ctx context.Context, log *slog.Logger, sum *Summary) error {
	sleepers, err := uc.Vendor.ListSleepers(ctx)
	if err != nil {
		return fmt.Errorf("list sleepers: %w", err)
	}
	log.Info("fetched sleepers", slog.Int("count", len(sleepers)))
	beds, err := uc.Vendor.ListBeds(ctx)
	if err != nil {
		return fmt.Errorf("list beds: %w", err)
	}

	results := make([]Result, len(sleepers))
	var g errgroup.Group
	g.SetLimit(max(uc.Concurrency, 1))
	for i, sl := range sleepers {
		g.Go(func() error {
			sllog := log.With(slog.String("sleeper_id", sl.ID), slog.String("sleeper", sl.FirstName))
			results[i] = uc.syncSleeper(ctx, sllog, sl, bedFor(sl, beds))
			return nil
		})
	}
	_ = g.Wait()
	sum.Sleepers = results

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("sleeper %s: %w", r.SleeperID, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Reset deletes every stored point of the configured measurement so the next
// run starts cold.
func (uc *SyncUseCase) Reset(ctx context.Context) error {
	n, err := uc.Points.DeletePoints(ctx, uc.measurement())
	if err != nil {
		return fmt.Errorf("reset points: %w", err)
	}
	uc.Log.Info("stored points deleted", slog.String("measurement", uc.measurement()), slog.Int64("count", n))
	return nil
}

func (uc *SyncUseCase) syncSleeper(ctx context.Context, log *slog.Logger, sl domain.Sleeper, bed *domain.Bed) Result {
	res := Result{SleeperID: sl.ID}
	loc := uc.Location
	if loc == nil {
		loc = time.UTC
	}
	if bed != nil {
		loc = bed.Location(loc)
	}

	wm, hasWM, err := uc.Watermarks.Resolve(ctx, sl.ID)
	if err != nil {
		res.Err = err
		return res
	}
	plan := uc.Planner.Plan(loc, wm, hasWM)
	if bed != nil {
		plan = plan.WithFloor(bed.RegistrationDate)
	}
	res.Cold = plan.Cold()
	log.Info("processing sleeper", slog.Bool("cold_start", res.Cold), slog.String("tz", loc.String()))

	batch, units, fetchErr := uc.fetch(ctx, log, sl, loc, plan, wm, hasWM)
	if fetchErr != nil && res.Cold {
		// The backward walk is incomplete. Storing its newest months would
		// turn the next run into a warm start and the older months would
		// never be fetched.
		log.Warn("backfill aborted, nothing stored", slog.Int("units", units), slog.String("error", fetchErr.Error()))
		res.Err = fetchErr
		return res
	}
	res.Truncated = plan.Truncated()
	if res.Truncated {
		log.Warn("backfill stopped at month cap", slog.Int("units", units))
	}

	// Cold starts walk backward; storage and destinations get oldest first.
	oldestFirst(&batch)
	if err := uc.Points.WritePoints(ctx, batch.Points); err != nil {
		res.Err = errors.Join(fmt.Errorf("write points: %w", err), fetchErr)
		return res
	}
	metrics.DerivedRecords.WithLabelValues("points").Add(float64(len(batch.Points)))
	res.Units = units
	res.Points = len(batch.Points)
	log.Info("points written", slog.Int("units", res.Units), slog.Int("points", res.Points))

	// Records behind the stored points are published even when a later warm
	// unit failed: the watermark has moved past them.
	if uc.Fitbit != nil && len(batch.Logs) > 0 {
		res.Fitbit = uc.publishFitbit(ctx, log, sl, batch.Logs)
	}
	if uc.Health != nil && len(batch.Sessions) > 0 {
		res.Health = uc.publishHealth(ctx, log, sl, batch.Sessions)
	}
	res.Err = fetchErr
	return res
}

// fetch walks the plan and buffers every unit's records. On error it returns
// the records of the units fetched before the failing one. A warm walk runs
// oldest first, so that prefix ends right before the gap.
func (uc *SyncUseCase) fetch(ctx context.Context, log *slog.Logger, sl domain.Sleeper, loc *time.Location, plan *planner.Plan, wm time.Time, hasWM bool) (derive.Records, int, error) {
	var batch derive.Records
	units := 0
	for {
		unit, ok := plan.Next()
		if !ok {
			return batch, units, nil
		}
		data, err := uc.Vendor.FetchSleepData(ctx, sl.ID, unit.Interval, unit.Date)
		if err != nil {
			metrics.FetchUnits.WithLabelValues(string(unit.Interval), "error").Inc()
			return batch, units, fmt.Errorf("fetch %s: %w", unit, err)
		}
		recs := derive.Derive(sl, data, loc, uc.Derive)
		if hasWM {
			recs = after(recs, wm)
		}
		metrics.FetchUnits.WithLabelValues(string(unit.Interval), "ok").Inc()
		log.Log(ctx, logging.LevelTrace, "unit fetched", slog.String("unit", unit.String()), slog.Int("records", recs.Len()))

		batch.Points = append(batch.Points, recs.Points...)
		batch.Logs = append(batch.Logs, recs.Logs...)
		batch.Sessions = append(batch.Sessions, recs.Sessions...)
		units++
		plan.Record(recs.Len())
	}
}

func (uc *SyncUseCase) publishFitbit(ctx context.Context, log *slog.Logger, sl domain.Sleeper, logs []domain.SleepLog) *publisher.Report {
	s := uc.session(uc.Fitbit.Auth, sl.ID)
	if _, err := uc.Tokens.EnsureAccessToken(ctx, s); err != nil {
		log.Warn("fitbit not available for sleeper, skipping", slog.String("error", err.Error()))
		return nil
	}
	metrics.DerivedRecords.WithLabelValues("fitbit").Add(float64(len(logs)))
	rep := publisher.Publish(ctx, uc.Publisher, uc.Fitbit.Auth.Provider(), logs, func(ctx context.Context, entry domain.SleepLog) (domain.PublishResponse, error) {
		return uc.sendAuthorized(ctx, s, func(token string) (domain.PublishResponse, error) {
			return uc.Fitbit.Client.CreateSleepLog(ctx, token, entry)
		})
	})
	return &rep
}

func (uc *SyncUseCase) publishHealth(ctx context.Context, log *slog.Logger, sl domain.Sleeper, records []domain.SleepSessionRecord) *publisher.Report {
	username, ok := uc.Health.Users[sl.ID]
	if !ok {
		username, ok = uc.Health.Users[sl.FirstName]
	}
	if !ok {
		log.Debug("no health connect user for sleeper")
		return nil
	}
	s := uc.session(uc.Health.Auth, username)
	if _, err := uc.Tokens.EnsureAccessToken(ctx, s); err != nil {
		log.Warn("health connect not available for sleeper, skipping", slog.String("error", err.Error()))
		return nil
	}
	metrics.DerivedRecords.WithLabelValues("health_connect").Add(float64(len(records)))
	chunks := chunk(records, uc.Health.ChunkSize)
	rep := publisher.Publish(ctx, uc.Publisher, uc.Health.Auth.Provider(), chunks, func(ctx context.Context, c []domain.SleepSessionRecord) (domain.PublishResponse, error) {
		return uc.sendAuthorized(ctx, s, func(token string) (domain.PublishResponse, error) {
			return uc.Health.Client.PushSleepSessions(ctx, token, c)
		})
	})
	return &rep
}

// sendAuthorized sends with the session's token. A 401 invalidates the
// session and the request is sent once more with a renewed token.
func (uc *SyncUseCase) sendAuthorized(ctx context.Context, s *session.Session, send func(token string) (domain.PublishResponse, error)) (domain.PublishResponse, error) {
	token, err := uc.Tokens.EnsureAccessToken(ctx, s)
	if err != nil {
		return domain.PublishResponse{}, err
	}
	resp, err := send(token)
	if err != nil || resp.Status != http.StatusUnauthorized {
		return resp, err
	}
	uc.Tokens.Invalidate(s)
	if token, err = uc.Tokens.EnsureAccessToken(ctx, s); err != nil {
		return domain.PublishResponse{}, err
	}
	return send(token)
}

// session returns the process-wide session for a provider identity, so
// tokens are reused across runs.
func (uc *SyncUseCase) session(auth session.Authenticator, identity string) *session.Session {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.sessions == nil {
		uc.sessions = make(map[string]*session.Session)
	}
	key := auth.Provider() + "/" + identity
	s, ok := uc.sessions[key]
	if !ok {
		s = session.New(auth, identity)
		uc.sessions[key] = s
	}
	return s
}

func (uc *SyncUseCase) measurement() string {
	if uc.Derive.Measurement != "" {
		return uc.Derive.Measurement
	}
	return derive.Measurement
}

func bedFor(sl domain.Sleeper, beds []domain.Bed) *domain.Bed {
	for i := range beds {
		b := &beds[i]
		if b.ID == sl.BedID || b.LeftSleeperID == sl.ID || b.RightSleeperID == sl.ID {
			return b
		}
	}
	return nil
}

// after drops records at or before the watermark. A day fetched again on a
// warm start must not be published twice.
func after(recs derive.Records, wm time.Time) derive.Records {
	var out derive.Records
	for i, p := range recs.Points {
		if !p.Time.After(wm) {
			continue
		}
		out.Points = append(out.Points, p)
		out.Logs = append(out.Logs, recs.Logs[i])
		out.Sessions = append(out.Sessions, recs.Sessions[i])
	}
	return out
}

func oldestFirst(recs *derive.Records) {
	sort.SliceStable(recs.Points, func(i, j int) bool { return recs.Points[i].Time.Before(recs.Points[j].Time) })
	sort.SliceStable(recs.Logs, func(i, j int) bool { return recs.Logs[i].EndTime.Before(recs.Logs[j].EndTime) })
	sort.SliceStable(recs.Sessions, func(i, j int) bool { return recs.Sessions[i].End().Before(recs.Sessions[j].End()) })
}

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
