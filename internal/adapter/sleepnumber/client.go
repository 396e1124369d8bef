// Package sleepnumber is a client for the SleepIQ vendor API: account login,
// sleeper and bed discovery, and sleep data by day or month.
package sleepnumber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"sleep-scraper/internal/domain"
	"sleep-scraper/internal/metrics"
	"sleep-scraper/internal/session"
)

const (
	defaultBaseURL = "https://prod-api.sleepiq.sleepnumber.com"
	apiVersion     = "5.3.10"
	breakerName    = "sleepnumber-api"
)

// TokenSource hands out access tokens for the account session.
type TokenSource interface {
	EnsureAccessToken(ctx context.Context, s *session.Session) (string, error)
	Invalidate(s *session.Session)
}

// Client implements ports.SleepAPI.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	session *session.Session
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]
	log     *slog.Logger
}

// NewClient builds a client. requestsPerSecond <= 0 disables client-side
// pacing of API calls.
func NewClient(baseURL string, tokens TokenSource, sess *session.Session, requestsPerSecond float64, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		session: sess,
		limiter: rate.NewLimiter(limit, 1),
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state change", slog.String("name", name), slog.String("from", from.String()), slog.String("to", to.String()))
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			},
		}),
		log: log,
	}
}

// ListSleepers returns every sleeper on the account.
func (c *Client) ListSleepers(ctx context.Context) ([]domain.Sleeper, error) {
	c.log.Info("fetching sleeper profiles")
	var raw struct {
		Sleepers []rawSleeper `json:"sleepers"`
	}
	if err := c.get(ctx, "/rest/sleeper", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.Sleeper, 0, len(raw.Sleepers))
	for _, s := range raw.Sleepers {
		out = append(out, domain.Sleeper{
			ID:        s.SleeperID,
			AccountID: s.AccountID,
			BedID:     s.BedID,
			FirstName: s.FirstName,
			Email:     s.Email,
			Active:    s.Active,
		})
	}
	return out, nil
}

// ListBeds returns every bed on the account.
func (c *Client) ListBeds(ctx context.Context) ([]domain.Bed, error) {
	c.log.Info("fetching beds")
	var raw struct {
		Beds []rawBed `json:"beds"`
	}
	if err := c.get(ctx, "/rest/bed", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.Bed, 0, len(raw.Beds))
	for _, b := range raw.Beds {
		bed := domain.Bed{
			ID:             b.BedID,
			Name:           b.Name,
			Timezone:       b.Timezone,
			LeftSleeperID:  b.SleeperLeftID,
			RightSleeperID: b.SleeperRightID,
		}
		if t, err := time.Parse(time.RFC3339, b.RegistrationDate); err == nil {
			bed.RegistrationDate = t
		}
		out = append(out, bed)
	}
	return out, nil
}

// FetchSleepData returns the sessions for the day or month containing date.
// Vendor timestamps without an offset are read in date's location.
func (c *Client) FetchSleepData(ctx context.Context, sleeperID string, interval domain.Interval, date time.Time) (domain.SleepData, error) {
	q := url.Values{}
	q.Set("date", date.Format("2006-01-02"))
	q.Set("interval", string(interval))
	q.Set("sleeper", sleeperID)
	q.Set("includeSlices", "false")
	c.log.Debug("fetching sleep data", slog.String("date", q.Get("date")), slog.String("interval", string(interval)), slog.String("sleeper_id", sleeperID))

	var raw rawSleepData
	if err := c.get(ctx, "/rest/sleepData", q, &raw); err != nil {
		return domain.SleepData{}, err
	}
	return raw.toDomain(date.Location())
}

// get performs an authorized GET and decodes the JSON body into out. A 401
// invalidates the session and the request is retried once with a new token.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.EnsureAccessToken(ctx, c.session)
		if err != nil {
			return err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := c.do(ctx, path, query, token)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.log.Warn("access token rejected by api, renewing", slog.String("path", path))
			c.tokens.Invalidate(c.session)
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &domain.HTTPError{Service: "sleepnumber", Status: resp.StatusCode, Body: string(body)}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("sleepnumber: decode %s: %w", path, err)
		}
		return nil
	}
}

// do sends one request through the circuit breaker. Transport errors and
// 5xx responses count as breaker failures.
func (c *Client) do(ctx context.Context, path string, query url.Values, token string) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Version", apiVersion)
	req.Header.Set("X-App-Version", apiVersion)
	req.Header.Set("X-App-Platform", "web")
	req.Header.Set("Authorization", token)

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &domain.HTTPError{Service: "sleepnumber", Status: resp.StatusCode, Body: string(body)}
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("sleepnumber: api unavailable: %w", err)
	}
	if err != nil {
		var httpErr *domain.HTTPError
		if errors.As(err, &httpErr) {
			return nil, err
		}
		return nil, fmt.Errorf("sleepnumber: request %s: %w", path, err)
	}
	return resp, nil
}

type rawSleeper struct {
	SleeperID string `json:"sleeperId"`
	AccountID string `json:"accountId"`
	BedID     string `json:"bedId"`
	FirstName string `json:"firstName"`
	Email     string `json:"email"`
	Active    bool   `json:"active"`
}

type rawBed struct {
	BedID            string `json:"bedId"`
	Name             string `json:"name"`
	Timezone         string `json:"timezone"`
	SleeperLeftID    string `json:"sleeperLeftId"`
	SleeperRightID   string `json:"sleeperRightId"`
	RegistrationDate string `json:"registrationDate"`
}

type rawSleepData struct {
	SleeperID string        `json:"sleeperId"`
	SleepData []rawSleepDay `json:"sleepData"`
}

type rawSleepDay struct {
	Date     string       `json:"date"`
	Sessions []rawSession `json:"sessions"`
}

// rawSession holds the subset of session fields the scraper uses. Numeric
// fields may be null or fractional in the vendor payload.
type rawSession struct {
	StartDate             string   `json:"startDate"`
	EndDate               string   `json:"endDate"`
	Longest               bool     `json:"longest"`
	IsFinalized           bool     `json:"isFinalized"`
	AvgHeartRate          *float64 `json:"avgHeartRate"`
	AvgRespirationRate    *float64 `json:"avgRespirationRate"`
	SleepQuotient         *float64 `json:"sleepQuotient"`
	HRV                   *float64 `json:"hrv"`
	SleepNumber           *float64 `json:"sleepNumber"`
	InBed                 *float64 `json:"inBed"`
	OutOfBed              *float64 `json:"outOfBed"`
	Restful               *float64 `json:"restful"`
	Restless              *float64 `json:"restless"`
	TotalSleepSessionTime *float64 `json:"totalSleepSessionTime"`
	FallAsleepPeriod      *float64 `json:"fallAsleepPeriod"`
}

func (r rawSleepData) toDomain(loc *time.Location) (domain.SleepData, error) {
	out := domain.SleepData{SleeperID: r.SleeperID, Days: make([]domain.SleepDay, 0, len(r.SleepData))}
	for _, d := range r.SleepData {
		day := domain.SleepDay{Date: d.Date, Sessions: make([]domain.SleepSession, 0, len(d.Sessions))}
		for _, s := range d.Sessions {
			start, err := parseTime(s.StartDate, loc)
			if err != nil {
				return domain.SleepData{}, fmt.Errorf("sleepnumber: session start %q: %w", s.StartDate, err)
			}
			end, err := parseTime(s.EndDate, loc)
			if err != nil {
				return domain.SleepData{}, fmt.Errorf("sleepnumber: session end %q: %w", s.EndDate, err)
			}
			day.Sessions = append(day.Sessions, domain.SleepSession{
				Start:                 start,
				End:                   end,
				Longest:               s.Longest,
				Finalized:             s.IsFinalized,
				AvgHeartRate:          toInt(s.AvgHeartRate),
				AvgRespirationRate:    toInt(s.AvgRespirationRate),
				SleepQuotient:         toInt(s.SleepQuotient),
				HRV:                   toInt(s.HRV),
				SleepNumber:           toInt(s.SleepNumber),
				InBed:                 toInt(s.InBed),
				OutOfBed:              toInt(s.OutOfBed),
				Restful:               toInt(s.Restful),
				Restless:              toInt(s.Restless),
				TotalSleepSessionTime: toInt(s.TotalSleepSessionTime),
				FallAsleepPeriod:      toInt(s.FallAsleepPeriod),
			})
		}
		out.Days = append(out.Days, day)
	}
	return out, nil
}

// parseTime accepts RFC3339 or a local date-time without offset.
func parseTime(val string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05", val, loc)
}

func toInt(v *float64) int64 {
	if v == nil {
		return 0
	}
	return int64(math.Round(*v))
}
