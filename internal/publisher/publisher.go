// Package publisher sends record batches to quota-limited providers, one
// record at a time, pacing sends from the quota each response reports.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"sleep-scraper/internal/domain"
	"sleep-scraper/internal/metrics"
)

// DefaultMaxRetries is how many times a throttled record is re-sent.
const DefaultMaxRetries = 5

// Sleeper waits for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// TimerSleeper waits on a real timer.
var TimerSleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
})

type Publisher struct {
	Sleeper Sleeper
	// DefaultBackoff is the wait after a 429 that carried no reset.
	DefaultBackoff time.Duration
	MaxRetries     int
	Log            *slog.Logger
}

func New(defaultBackoff time.Duration, maxRetries int, log *slog.Logger) *Publisher {
	return &Publisher{Sleeper: TimerSleeper, DefaultBackoff: defaultBackoff, MaxRetries: maxRetries, Log: log}
}

func (p *Publisher) sleeper() Sleeper {
	if p.Sleeper == nil {
		return TimerSleeper
	}
	return p.Sleeper
}

// State is a record's position in the send loop.
type State int

const (
	Sending State = iota
	Backoff
	Retrying
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Sending:
		return "sending"
	case Backoff:
		return "backoff"
	case Retrying:
		return "retrying"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is the result for one record of a batch.
type Outcome struct {
	Index    int
	State    State
	Attempts int
	Status   int
	Err      error
}

// Report summarizes a batch.
type Report struct {
	Provider string
	Sent     int
	Failed   int
	Outcomes []Outcome
}

// Err returns the first failure, or nil when every record was sent.
func (r Report) Err() error {
	for _, o := range r.Outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}

// Publish sends batch in order through send. A record that is throttled is
// retried in place; one that is rejected, or fails in transport, is reported
// and skipped. An authentication failure or a cancelled context abandons the
// rest of the batch. Publish never returns early without an outcome for
// every record.
func Publish[R any](ctx context.Context, p *Publisher, provider string, batch []R, send func(context.Context, R) (domain.PublishResponse, error)) Report {
	log := p.Log.With(slog.String("provider", provider))
	rep := Report{Provider: provider, Outcomes: make([]Outcome, 0, len(batch))}

	for i, rec := range batch {
		out, resp := sendOne(ctx, p, log, provider, i, rec, send)
		rep.Outcomes = append(rep.Outcomes, out)
		if out.State == Done {
			rep.Sent++
			metrics.PublishOutcomes.WithLabelValues(provider, "ok").Inc()
		} else {
			rep.Failed++
			metrics.PublishOutcomes.WithLabelValues(provider, outcomeLabel(out.Err)).Inc()
			log.Warn("record not published", slog.Int("index", i), slog.Int("attempts", out.Attempts), slog.String("error", out.Err.Error()))
		}

		if abandons(ctx, out.Err) {
			for j := i + 1; j < len(batch); j++ {
				rep.Outcomes = append(rep.Outcomes, Outcome{Index: j, State: Failed, Err: out.Err})
				rep.Failed++
				metrics.PublishOutcomes.WithLabelValues(provider, "abandoned").Inc()
			}
			log.Error("batch abandoned", slog.Int("remaining", len(batch)-i-1), slog.String("error", out.Err.Error()))
			break
		}

		queued := len(batch) - i - 1
		if out.State != Done || queued == 0 {
			continue
		}
		if wait, reason := pace(resp.Quota, queued); wait > 0 {
			log.Debug("pacing", slog.Duration("wait", wait), slog.Int("remaining", resp.Quota.Remaining), slog.Int("queued", queued))
			metrics.PublishWaitSeconds.WithLabelValues(provider, reason).Add(wait.Seconds())
			if err := p.sleeper().Sleep(ctx, wait); err != nil {
				for j := i + 1; j < len(batch); j++ {
					rep.Outcomes = append(rep.Outcomes, Outcome{Index: j, State: Failed, Err: err})
					rep.Failed++
					metrics.PublishOutcomes.WithLabelValues(provider, "abandoned").Inc()
				}
				break
			}
		}
	}
	log.Info("batch published", slog.Int("sent", rep.Sent), slog.Int("failed", rep.Failed))
	return rep
}

// sendOne drives one record through Sending, Backoff and Retrying until it
// is Done or Failed. It returns the last response received.
func sendOne[R any](ctx context.Context, p *Publisher, log *slog.Logger, provider string, index int, rec R, send func(context.Context, R) (domain.PublishResponse, error)) (Outcome, domain.PublishResponse) {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	out := Outcome{Index: index}
	var resp domain.PublishResponse
	state := Sending
	for {
		switch state {
		case Sending, Retrying:
			var err error
			resp, err = send(ctx, rec)
			out.Attempts++
			out.Status = resp.Status
			switch {
			case err != nil:
				out.Err = err
				state = Failed
			case isThrottled(resp) && out.Attempts > maxRetries:
				out.Err = fmt.Errorf("%s: %w after %d attempts", provider, domain.ErrQuotaExceeded, out.Attempts)
				state = Failed
			case isThrottled(resp):
				state = Backoff
			case !resp.OK():
				out.Err = &domain.HTTPError{Service: provider, Status: resp.Status, Body: resp.Body}
				state = Failed
			default:
				state = Done
			}
		case Backoff:
			wait := resp.Quota.Reset
			if wait <= 0 {
				wait = p.DefaultBackoff
			}
			log.Warn("throttled, backing off", slog.Int("index", index), slog.Int("attempt", out.Attempts), slog.Duration("wait", wait))
			metrics.PublishWaitSeconds.WithLabelValues(provider, "backoff").Add(wait.Seconds())
			if err := p.sleeper().Sleep(ctx, wait); err != nil {
				out.Err = err
				state = Failed
				continue
			}
			state = Retrying
		case Done, Failed:
			out.State = state
			return out, resp
		}
	}
}

// pace returns how long to wait before the next record given the quota
// reported by the last response and the number of records still queued.
func pace(q domain.QuotaWindow, queued int) (time.Duration, string) {
	switch {
	case q.Remaining <= 1:
		return q.Reset, "reset"
	case queued > q.Remaining:
		return q.Reset / time.Duration(q.Remaining), "pacing"
	}
	return 0, ""
}

func abandons(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, domain.ErrAuthFailure) || ctx.Err() != nil
}

func outcomeLabel(err error) string {
	var httpErr *domain.HTTPError
	switch {
	case errors.Is(err, domain.ErrQuotaExceeded):
		return "quota"
	case errors.As(err, &httpErr):
		return "rejected"
	}
	return "error"
}

func isThrottled(resp domain.PublishResponse) bool {
	return resp.Status == http.StatusTooManyRequests
}
