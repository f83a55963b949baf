// Package app wires the store, adapters, pipeline and coordinator from a
// workspace config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"harvestline/internal/config"
	"harvestline/internal/crosspost"
	"harvestline/internal/db"
	"harvestline/internal/engine"
	"harvestline/internal/events"
	"harvestline/internal/harvest"
	"harvestline/internal/migrate"
	"harvestline/internal/ratelimit"
	"harvestline/internal/repo"
	"harvestline/internal/sites"
)

const userAgent = "harvestline/0.1 (+https://github.com/harvestline/harvestline)"

// App holds every long-lived component of one workspace.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Repo   repo.Repo
	Limits *ratelimit.Registry
	Sites  *sites.Registry
	Events *events.Notifier
	Engine engine.Engine
	Runner *harvest.Runner
	Log    *slog.Logger
}

// Open loads the workspace config (defaults when absent), opens and migrates
// the store and builds the components on top of it.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	return FromConfig(ctx, workspace, cfg, logger)
}

// FromConfig is Open with an already loaded config.
func FromConfig(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	driver := cfg.Store.Driver
	if driver == "" {
		driver = db.DriverSQLite
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Driver: driver, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect %s store: %w", driver, err)
	}
	if err := migrate.Migrate(conn, driver); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn, Driver: driver}

	limits := ratelimit.NewRegistry()
	reg, err := sites.Build(cfg, limits, sites.Options{
		HTTPClient: &http.Client{Timeout: cfg.Harvest.RequestTimeout},
		MaxWait:    cfg.Harvest.MaxWait,
		Retries:    cfg.Harvest.Retries,
		Backoff:    cfg.Harvest.Backoff,
		UserAgent:  userAgent,
		Logger:     logger,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	notifier, err := events.FromConfig(cfg.Events, r, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}

	eng := engine.New(conn, driver, cfg)
	eng.Events = notifier
	eng.Poster = crosspost.New(cfg, reg, logger)
	eng.Log = logger

	runner := harvest.New(r, reg, cfg)
	runner.Events = notifier
	runner.Log = logger

	return &App{
		Config: cfg,
		DB:     conn,
		Repo:   r,
		Limits: limits,
		Sites:  reg,
		Events: notifier,
		Engine: eng,
		Runner: runner,
		Log:    logger,
	}, nil
}

// RunReaper releases stale assignments every interval until ctx is done.
func (a *App) RunReaper(ctx context.Context) {
	interval := a.Config.Claims.ReapInterval
	timeout := a.Config.Claims.Timeout
	if interval <= 0 || timeout <= 0 {
		a.Log.Info("stale-claim reaper disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Engine.ReapStale(ctx, timeout)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.Log.Warn("reap stale claims", "err", err)
				continue
			}
			if n > 0 {
				a.Log.Info("reaped stale claims", "released", n)
			}
		}
	}
}

// Close flushes pending events and closes the store.
func (a *App) Close() error {
	return errors.Join(a.Events.Close(), a.DB.Close())
}
