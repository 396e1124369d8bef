// Package metrics holds the process's Prometheus instruments. They are
// registered on the default registry and served from /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	TokenRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleep_scraper_token_renewals_total",
			Help: "Access token renewals by provider, kind (refresh, login) and result",
		},
		[]string{"provider", "kind", "result"},
	)

	TokenValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleep_scraper_token_validations_total",
			Help: "Access token validation probes by provider and result",
		},
		[]string{"provider", "result"},
	)

	// Sync metrics
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleep_scraper_sync_runs_total",
			Help: "Completed sync runs by result",
		},
		[]string{"result"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sleep_scraper_sync_duration_seconds",
			Help:    "Duration of a full sync run",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
	)

	FetchUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleep_scraper_fetch_units_total",
			Help: "Vendor fetch units by interval (D1, M1) and result",
		},
		[]string{"interval", "result"},
	)

	DerivedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleep_scraper_derived_records_total",
			Help: "Records derived from vendor sessions by destination",
		},
		[]string{"destination"},
	)

	Watermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sleep_scraper_watermark_timestamp_seconds",
			Help: "Unix time of the newest stored record per entity (0 when none)",
		},
		[]string{"entity"},
	)

	// Publisher metrics
	PublishOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleep_scraper_publish_records_total",
			Help: "Published records by provider and outcome (ok, rejected, quota, error, abandoned)",
		},
		[]string{"provider", "outcome"},
	)

	PublishWaitSeconds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleep_scraper_publish_wait_seconds_total",
			Help: "Time spent waiting on provider quota by provider and reason (backoff, reset, pacing)",
		},
		[]string{"provider", "reason"},
	)

	// Vendor client metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sleep_scraper_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
