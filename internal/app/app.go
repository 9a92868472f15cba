// Package app assembles a workspace into a running engine: database,
// migrations, user config, workspace policies, and the cloud sync handler.
package app

import (
	"database/sql"
	"errors"
	"fmt"

	"shipline/internal/cloud"
	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/engine"
	"shipline/internal/migrate"
	"shipline/internal/policy"
	"shipline/internal/sync"
)

// ErrNoCredentials is returned when a cloud operation is requested without a
// configured credential pair.
var ErrNoCredentials = errors.New("no hub credentials configured, run `sl cloud login` first")

// Options selects the workspace directory and an optional user config path.
type Options struct {
	Workspace  string
	ConfigPath string
}

// App is an assembled workspace. Commands open one, work through Engine, and
// close it when done.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine

	detach func()
}

// Open opens and migrates the workspace store, loads the user config and the
// workspace policy file, and builds the engine. When the execution mode wants
// automatic pushes and credentials exist, the sync handler is attached to the
// engine's event bus.
func Open(opts Options) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate workspace: %w", err)
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		conn.Close()
		return nil, err
	}
	pols, err := policy.Load(db.PoliciesPath(opts.Workspace))
	if err != nil {
		conn.Close()
		return nil, err
	}

	eng := engine.New(conn, cfg)
	eng.Policies = pols

	a := &App{Workspace: opts.Workspace, DB: conn, Config: cfg, Engine: eng}
	if cfg.ExecutionMode != "local" && cfg.HasCredentials() {
		h := sync.Handler{Sync: sync.New(eng.Repo, cloud.FromConfig(cfg)), Mode: cfg.ExecutionMode}
		a.detach = h.Attach(eng.Bus)
	}
	return a, nil
}

// Close detaches the sync handler and closes the store.
func (a *App) Close() error {
	if a.detach != nil {
		a.detach()
	}
	return a.DB.Close()
}

// Sync returns the cloud sync bound to the configured hub, for the explicit
// sync commands.
func (a *App) Sync() (sync.CloudSync, error) {
	if !a.Config.HasCredentials() {
		return sync.CloudSync{}, ErrNoCredentials
	}
	return sync.New(a.Engine.Repo, cloud.FromConfig(a.Config)), nil
}

// CloudClient returns a hub client carrying the configured credentials.
func (a *App) CloudClient() *cloud.Client {
	return cloud.FromConfig(a.Config)
}
