package fitbit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sleep-scraper/internal/domain"
)

const defaultBaseURL = "https://api.fitbit.com"

// Client creates sleep log entries.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL string, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// CreateSleepLog sends one sleep log. Any HTTP response, including errors,
// is returned as a PublishResponse; only transport failures return an error.
// POST /1.2/user/-/sleep.json?date=...&startTime=...&duration=...
func (c *Client) CreateSleepLog(ctx context.Context, accessToken string, entry domain.SleepLog) (domain.PublishResponse, error) {
	q := url.Values{}
	q.Set("date", entry.Date)
	q.Set("startTime", entry.StartTime)
	q.Set("duration", strconv.FormatInt(entry.DurationMs, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/1.2/user/-/sleep.json?"+q.Encode(), http.NoBody)
	if err != nil {
		return domain.PublishResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.PublishResponse{}, fmt.Errorf("fitbit: create sleep log: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	c.log.Debug("fitbit sleep log response", slog.String("date", entry.Date), slog.Int("status", resp.StatusCode))
	return domain.PublishResponse{
		Status: resp.StatusCode,
		Body:   string(body),
		Quota:  quotaFrom(resp.Header),
	}, nil
}

// quotaFrom reads Fitbit's rate-limit headers. Missing headers are treated
// as one request left with a one second reset.
func quotaFrom(h http.Header) domain.QuotaWindow {
	q := domain.QuotaWindow{Remaining: 1, Reset: time.Second}
	remaining, rerr := strconv.Atoi(h.Get("fitbit-rate-limit-remaining"))
	reset, serr := strconv.Atoi(h.Get("fitbit-rate-limit-reset"))
	if rerr == nil {
		q.Remaining = remaining
	}
	if serr == nil {
		q.Reset = time.Duration(reset) * time.Second
	}
	q.Known = rerr == nil && serr == nil
	return q
}
