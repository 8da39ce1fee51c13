// Package app opens a draftline workspace: config, coordination database,
// artifact store and engine.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"draftline/internal/artifact"
	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/engine"
	"draftline/internal/logging"
	"draftline/internal/migrate"
)

// App is an opened workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sqlx.DB
	Artifacts *artifact.Store
	Engine    engine.Engine
	Log       *slog.Logger
}

// Options control Open. A nil Config is loaded from the workspace, falling
// back to defaults when no draftline.yml exists.
type Options struct {
	Workspace string
	Config    *config.Config
	LogOutput io.Writer
	Fs        afero.Fs
}

// LoadConfig reads draftline.yml from workspace. When required is false a
// missing file yields the defaults.
func LoadConfig(workspace string, required bool) (*config.Config, error) {
	if required {
		return config.Load(workspace)
	}
	return config.LoadOptional(workspace)
}

// Open migrates the database and wires an Engine. Relative paths in config
// resolve against the workspace.
func Open(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = LoadConfig(workspace, false)
		if err != nil {
			return nil, err
		}
	}
	resolvePaths(workspace, cfg)

	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	log := logging.New(out, cfg.Log.Level, cfg.Log.Format)

	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	store, err := artifact.New(fs, artifact.Options{
		Root:         cfg.Artifacts.Root,
		MaxSize:      cfg.Artifacts.MaxSize,
		Attempts:     cfg.Artifacts.WriteAttempts,
		BaseDelay:    cfg.Artifacts.WriteBaseDelay,
		CacheEntries: cfg.Artifacts.CacheEntries,
		Logger:       log,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cfg, store)
	e.Log = log
	e.Workspaces.Log = log
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Artifacts: store,
		Engine:    e,
		Log:       log,
	}, nil
}

// Close stops running jobs at their current stage and closes the database.
func (a *App) Close(ctx context.Context) error {
	return multierr.Combine(a.Engine.Shutdown(ctx), a.DB.Close())
}

func resolvePaths(workspace string, cfg *config.Config) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(workspace, p)
	}
	cfg.Workspaces.Root = abs(cfg.Workspaces.Root)
	cfg.Artifacts.Root = abs(cfg.Artifacts.Root)
	cfg.Stories.Dir = abs(cfg.Stories.Dir)
	if cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = abs(cfg.Database.DSN)
	}
}
