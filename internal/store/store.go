// Package store opens the configured persistence driver.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"pushfanout/internal/gate"
	"pushfanout/internal/push"
	"pushfanout/internal/store/postgres"
	"pushfanout/internal/store/sqlite"
	"pushfanout/internal/subscription"
)

// Driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store is the full persistence surface of the service.
type Store interface {
	subscription.Store
	gate.Store

	SaveSubscription(ctx context.Context, role push.Role, target push.Target, sub push.Subscription) error
	Ready(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*postgres.Store)(nil)
	_ Store = (*sqlite.Store)(nil)
)

// Config selects and configures a driver.
type Config struct {
	Driver      string
	DatabaseURL string
	MaxConns    int32
	AutoMigrate bool
	SQLitePath  string
}

// Open connects to the configured driver. SQLite always applies its schema;
// Postgres only when AutoMigrate is set.
func Open(ctx context.Context, cfg Config) (Store, error) {
	logger := slog.With("component", "store")

	switch cfg.Driver {
	case DriverPostgres, "":
		s, err := postgres.Open(ctx, postgres.Config{URL: cfg.DatabaseURL, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, err
			}
		}
		logger.Info("Store opened", "driver", DriverPostgres)
		return s, nil

	case DriverSQLite:
		s, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, err
		}
		logger.Info("Store opened", "driver", DriverSQLite, "path", cfg.SQLitePath)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
