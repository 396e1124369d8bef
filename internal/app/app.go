package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sleep-scraper/internal/adapter/fitbit"
	"sleep-scraper/internal/adapter/hcgateway"
	msql "sleep-scraper/internal/adapter/mysql"
	"sleep-scraper/internal/adapter/sleepnumber"
	"sleep-scraper/internal/config"
	"sleep-scraper/internal/credstore"
	"sleep-scraper/internal/derive"
	"sleep-scraper/internal/domain"
	"sleep-scraper/internal/migrate"
	"sleep-scraper/internal/planner"
	"sleep-scraper/internal/publisher"
	"sleep-scraper/internal/session"
	"sleep-scraper/internal/usecase"
	"sleep-scraper/internal/watermark"
)

// Syncer runs and resets syncs.
type Syncer interface {
	Run(ctx context.Context) (usecase.Summary, error)
	Reset(ctx context.Context) error
}

// SleeperLister lists the sleepers offered for destination registration.
type SleeperLister interface {
	ListSleepers(ctx context.Context) ([]domain.Sleeper, error)
}

// Authorizer runs the OAuth authorization code flow for a destination.
type Authorizer interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (session.Grant, error)
}

// TokenWriter persists refresh tokens obtained by the authorization flow.
type TokenWriter interface {
	Set(ctx context.Context, provider, identity, token string) error
}

// App wires adapters and use cases.
type App struct {
	log      *slog.Logger
	sync     Syncer
	sleepers SleeperLister
	tokens   TokenWriter
	fitbit   Authorizer // nil when fitbit publishing is disabled
	closers  []func() error
}

// New opens the credential store, runs migrations and builds the sync use
// case from cfg.
func New(ctx context.Context, log *slog.Logger, cfg config.Config) (*App, error) {
	a := &App{log: log}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	store, err := credstore.Open(ctx, credstore.Options{
		Backend:       cfg.Credentials.Backend,
		Path:          cfg.Credentials.Path,
		RedisAddr:     cfg.Credentials.RedisAddr,
		RedisPassword: cfg.Credentials.RedisPassword,
		RedisDB:       cfg.Credentials.RedisDB,
		RedisPrefix:   cfg.Credentials.RedisPrefix,
	}, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	a.tokens = store
	if n, err := credstore.ImportJSON(ctx, store, cfg.Credentials.ImportJSON, legacyGatewayUser(cfg), log); err != nil {
		return nil, err
	} else if n > 0 {
		log.Info("imported legacy refresh tokens", slog.Int("count", n))
	}

	// Run migrations before opening the sink for use
	if err := migrate.Run(ctx, cfg.MySQL.DSN, log); err != nil {
		return nil, err
	}
	sink, err := msql.NewClient(ctx, cfg.MySQL.DSN, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, sink.Close)

	manager := session.NewManager(store, log)
	vendorAuth := sleepnumber.NewAuth(cfg.SleepNumber.AuthURL, cfg.SleepNumber.ClientID, cfg.SleepNumber.Email, cfg.SleepNumber.Password, log)
	vendor := sleepnumber.NewClient(cfg.SleepNumber.BaseURL, manager, session.New(vendorAuth, cfg.SleepNumber.Email), cfg.SleepNumber.RequestsPerSecond, log)
	a.sleepers = vendor

	loc := cfg.Location()
	uc := &usecase.SyncUseCase{
		Log:    log,
		Vendor: vendor,
		Points: sink,
		Watermarks: &watermark.Resolver{
			Source:      sink,
			Measurement: cfg.Sync.Measurement,
			Lookback:    cfg.Sync.WatermarkLookback,
			Log:         log,
		},
		Planner:     planner.Planner{MaxBackfillMonths: cfg.Sync.MaxBackfillMonths},
		Derive:      derive.Options{Measurement: cfg.Sync.Measurement, FinalizedOnly: cfg.Sync.FinalizedOnly},
		Tokens:      manager,
		Publisher:   publisher.New(cfg.Publisher.DefaultBackoff, cfg.Publisher.MaxRetries, log),
		Location:    loc,
		Concurrency: cfg.Sync.Concurrency,
	}

	if cfg.Fitbit.Enabled {
		auth := fitbit.NewAuth(cfg.Fitbit.ClientID, cfg.Fitbit.ClientSecret, redirectURL(cfg), cfg.Fitbit.AuthURL, cfg.Fitbit.TokenURL, log)
		uc.Fitbit = &usecase.FitbitDestination{
			Client: fitbit.NewClient(cfg.Fitbit.BaseURL, log),
			Auth:   auth,
		}
		a.fitbit = auth
	}

	if len(cfg.HealthConnect.Users) > 0 {
		passwords := make(map[string]string, len(cfg.HealthConnect.Users))
		users := make(map[string]string, len(cfg.HealthConnect.Users))
		for sleeper, u := range cfg.HealthConnect.Users {
			passwords[u.Username] = u.Password
			users[sleeper] = u.Username
		}
		gw := hcgateway.NewClient(cfg.HealthConnect.BaseURL, passwords, log)
		uc.Health = &usecase.HealthDestination{
			Client:    gw,
			Auth:      gw,
			Users:     users,
			ChunkSize: hcgateway.ChunkSize,
		}
	}

	a.sync = uc
	ok = true
	log.Info("app initialized",
		slog.String("tz", loc.String()),
		slog.Bool("fitbit", uc.Fitbit != nil),
		slog.Bool("health_connect", uc.Health != nil),
		slog.String("credentials", cfg.Credentials.Backend),
	)
	return a, nil
}

// RunOnce performs one sync.
func (a *App) RunOnce(ctx context.Context) (usecase.Summary, error) {
	return a.sync.Run(ctx)
}

// Reset deletes all stored points.
func (a *App) Reset(ctx context.Context) error {
	return a.sync.Reset(ctx)
}

// Close releases the store and database handles.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close app: %w", err)
	}
	return nil
}

// legacyGatewayUser names the owner of the single gateway login in a legacy
// token file: the configured username, if only one is configured.
func legacyGatewayUser(cfg config.Config) string {
	user := ""
	for _, u := range cfg.HealthConnect.Users {
		if user != "" && u.Username != user {
			return ""
		}
		user = u.Username
	}
	return user
}

// redirectURL defaults the fitbit callback to this process' own server.
func redirectURL(cfg config.Config) string {
	if cfg.Fitbit.RedirectURL != "" {
		return cfg.Fitbit.RedirectURL
	}
	addr := cfg.Server.Addr
	if len(addr) > 0 && addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/callback"
}
