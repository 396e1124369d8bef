package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// NewSupervisor returns the root supervisor with services added. Crashed
// services are restarted with backoff; supervisor events are logged.
func NewSupervisor(log *slog.Logger, services ...suture.Service) *suture.Supervisor {
	handler := &sutureslog.Handler{Logger: log}
	root := suture.New("sleep-scraper", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	for _, svc := range services {
		root.Add(svc)
	}
	return root
}

// Scheduler runs a job at times chosen by next. A failed run is logged and
// the job runs again at the next scheduled time.
type Scheduler struct {
	name      string
	job       func(ctx context.Context) error
	next      func(now time.Time) time.Time
	immediate bool
	now       func() time.Time
	after     func(d time.Duration) <-chan time.Time
	log       *slog.Logger
}

// NewDailyScheduler runs job at every local midnight in loc.
func NewDailyScheduler(job func(ctx context.Context) error, loc *time.Location, log *slog.Logger) *Scheduler {
	return &Scheduler{
		name:  "daily-sync",
		job:   job,
		next:  func(now time.Time) time.Time { return nextMidnight(now.In(loc)) },
		now:   time.Now,
		after: time.After,
		log:   log.With(slog.String("tz", loc.String())),
	}
}

// NewIntervalScheduler runs job immediately and then every interval.
func NewIntervalScheduler(job func(ctx context.Context) error, interval time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		name:      "periodic-sync",
		job:       job,
		next:      func(now time.Time) time.Time { return now.Add(interval) },
		immediate: true,
		now:       time.Now,
		after:     time.After,
		log:       log.With(slog.Duration("interval", interval)),
	}
}

func (s *Scheduler) Serve(ctx context.Context) error {
	if s.immediate {
		s.runJob(ctx)
	}
	for ctx.Err() == nil {
		next := s.next(s.now())
		dur := next.Sub(s.now())
		s.log.Info("waiting for next sync", slog.Time("next", next), slog.Duration("sleep", dur))
		select {
		case <-ctx.Done():
		case <-s.after(dur):
			s.runJob(ctx)
		}
	}
	s.log.Info("scheduler stopping")
	return ctx.Err()
}

func (s *Scheduler) runJob(ctx context.Context) {
	if err := s.job(ctx); err != nil {
		s.log.Error("scheduled sync failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) String() string { return s.name }

// nextMidnight returns the next midnight after t in t's location.
func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	// AddDate keeps wall-clock midnight across DST changes.
	return midnight.AddDate(0, 0, 1)
}

// HTTPServer is the subset of *http.Server the service drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server until its context is canceled.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		// The service context is already canceled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }
