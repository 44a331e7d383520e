package repo

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"malvin-lite/internal/cache"
	"malvin-lite/internal/metrics"
)

// Options selects and configures a storage backend.
type Options struct {
	Backend        string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string
	Redis          cache.Config
	Timeout        time.Duration
	Migrations     fs.FS
	Metrics        *metrics.Metrics
}

// Open builds the Store named by opts.Backend, applies migrations for the SQL
// backends and wraps the result with per-call timeouts and metrics.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	var store Store
	switch opts.Backend {
	case "postgres":
		pg, err := NewPostgres(ctx, opts.DatabaseURL, opts.DatabaseSchema, logger)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		if opts.Migrations != nil {
			if err := pg.RunMigrations(ctx, opts.Migrations); err != nil {
				pg.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		store = pg
	case "sqlite":
		lite, err := NewSQLite(ctx, opts.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
		if opts.Migrations != nil {
			if err := lite.RunMigrations(ctx, opts.Migrations); err != nil {
				lite.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		store = lite
	case "redis":
		rdb := cache.New(opts.Redis, logger)
		if err := rdb.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("init redis: %w", err)
		}
		store = NewRedis(rdb, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", opts.Backend)
	}

	logger.Info("storage backend ready", "backend", store.Backend())
	return Instrument(store, opts.Timeout, opts.Metrics), nil
}
