// Package app wires config, store and engine together for the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"punchd/internal/config"
	"punchd/internal/db"
	"punchd/internal/engine"
	"punchd/internal/migrate"
	"punchd/internal/repo"
	"punchd/internal/signal"
)

// Overrides carry flag and environment values that beat the config file.
type Overrides struct {
	Driver   string
	DSN      string
	LogLevel string
}

// Runtime is an opened workspace: its config, store and engine.
type Runtime struct {
	Workspace string
	Config    *config.Config
	Conn      *sql.DB
	Dialect   db.Dialect
	Engine    engine.Engine
	Logger    *slog.Logger

	closers []func() error
}

// Open loads the workspace config (defaults when absent), opens and migrates
// the store, seeds punch cards on first use and builds the engine.
func Open(ctx context.Context, workspace string, o Overrides, logger *slog.Logger) (*Runtime, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if o.Driver != "" {
		cfg.Store.Driver = o.Driver
	}
	if o.DSN != "" {
		cfg.Store.DSN = o.DSN
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, dialect, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Workspace: workspace, Config: cfg, Conn: conn, Dialect: dialect, Logger: logger}
	rt.closers = append(rt.closers, conn.Close)
	if err := conn.PingContext(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	sig, closeSig := signal.FromConfig(cfg.Signal, logger)
	rt.closers = append(rt.closers, closeSig)
	e, err := engine.New(conn, dialect, cfg, sig)
	if err != nil {
		rt.Close()
		return nil, err
	}
	e.Logger = logger
	rt.Engine = e

	if err := seedCards(ctx, rt); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// seedCards imports the configured seed file when the store has no cards yet.
func seedCards(ctx context.Context, rt *Runtime) error {
	seed := rt.Config.Cards.Seed
	if seed == "" {
		return nil
	}
	ids, err := rt.Engine.Repo.ListCardIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		return nil
	}
	imported, err := rt.Engine.ImportCards(ctx, seed, "seed")
	if err != nil {
		return fmt.Errorf("seed cards from %s: %w", seed, err)
	}
	rt.Logger.Info("punch cards seeded", "path", seed, "cards", len(imported))
	return nil
}

// Repo is a shortcut to the engine repo.
func (rt *Runtime) Repo() repo.Repo { return rt.Engine.Repo }

// Close releases everything Open acquired, in reverse order.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
