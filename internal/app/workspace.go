package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"tenderline/internal/config"
	"tenderline/internal/db"
	"tenderline/internal/engine"
	"tenderline/internal/migrate"
)

// Workspace is an opened tenderline workspace: the migrated state store and
// the config that governs it.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
}

// Open prepares dir for use. The config file is required unless owner is
// given, in which case a missing file falls back to the defaults for owner.
func Open(ctx context.Context, dir, owner string) (*Workspace, error) {
	cfg, err := resolveConfig(dir, owner)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(dir), err)
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg}, nil
}

func resolveConfig(dir, owner string) (*config.Config, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return config.Load(dir)
	}
	cfg, err := config.LoadOptional(dir, owner)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Engine returns an engine bound to the workspace, logging through logger.
func (w *Workspace) Engine(logger *slog.Logger) engine.Engine {
	e := engine.New(w.DB, w.Config)
	if logger != nil {
		e.Log = logger
	}
	return e
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
