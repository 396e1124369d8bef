package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"sleep-scraper/internal/app"
	"sleep-scraper/internal/config"
	"sleep-scraper/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Flags
	once := flag.Bool("once", false, "Run a single sync and exit")
	interval := flag.Duration("interval", time.Hour, "Sync interval when not running once or daily (0 disables the scheduler)")
	daily := flag.Bool("daily", false, "Run at local midnight each day (uses SYNC_TZ, default UTC)")
	serve := flag.Bool("serve", false, "Serve /healthz, /metrics, /sync and the fitbit registration pages")
	reset := flag.Bool("reset", false, "Delete all stored points before syncing")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	flag.Parse()

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		return 1
	}

	// Logger
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	logger := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: os.Stdout})
	slog.SetDefault(logger)

	// Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, logger, cfg)
	if err != nil {
		logger.Error("failed to initialize app", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Error("shutdown", slog.String("error", err.Error()))
		}
	}()

	if *reset || cfg.Sync.ResetMetrics {
		logger.Info("reset requested, deleting stored points")
		if err := application.Reset(ctx); err != nil {
			logger.Error("reset failed", slog.String("error", err.Error()))
			return 1
		}
	}

	if *once {
		if _, err := application.RunOnce(ctx); err != nil {
			logger.Error("sync failed", slog.String("error", err.Error()))
			return 1
		}
		return 0
	}

	job := func(ctx context.Context) error {
		_, err := application.RunOnce(ctx)
		return err
	}
	var services []suture.Service
	switch {
	case *daily:
		logger.Info("starting daily sync at midnight", slog.String("tz", cfg.Sync.Timezone))
		services = append(services, app.NewDailyScheduler(job, cfg.Location(), logger))
	case *interval > 0:
		logger.Info("starting periodic sync", slog.Duration("interval", *interval))
		services = append(services, app.NewIntervalScheduler(job, *interval, logger))
	}
	if *serve {
		services = append(services, app.NewHTTPService(application.HTTPServer(cfg.Server.Addr), 10*time.Second))
	}
	if len(services) == 0 {
		logger.Error("nothing to run: use -once, -daily, -interval or -serve")
		return 2
	}

	sup := app.NewSupervisor(logger, services...)
	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor stopped", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("shutting down")
	return 0
}
