// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/accessward/accessward/internal/auth"
	"github.com/accessward/accessward/internal/auth/memory"
	"github.com/accessward/accessward/internal/auth/postgres"
	"github.com/accessward/accessward/internal/config"
	"github.com/accessward/accessward/internal/httpapi"
	"github.com/accessward/accessward/internal/observability"
	"github.com/accessward/accessward/internal/store"
)

// Deps contains injectable dependencies for the commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// AccountStoreFactory opens the account store and returns a release func.
	// Default: openAccountStore
	AccountStoreFactory func(ctx context.Context, cfg config.StoreConfig) (auth.AccountRepository, func(), error)

	// MigratorFactory creates a migrator for a database URL.
	// Default: store.NewMigrator
	MigratorFactory func(url string) (Migrator, error)

	// RedisFactory creates the client used by the redis send limiter.
	// Default: redis.NewClient
	RedisFactory func(addr string) RedisClient

	// NotifierFactory builds the unbounded notification channel.
	// Default: newNotifier
	NotifierFactory func(cfg config.NotifyConfig, logger *slog.Logger) (auth.Notifier, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer

	// HTTPServerFactory creates the API server.
	// Default: httpapi.NewServer
	HTTPServerFactory func(addr string, handler http.Handler, logger *slog.Logger) HTTPServer

	// LogWriter receives log output.
	// Default: os.Stderr
	LogWriter io.Writer

	// OnReady is called with the API address once serve accepts requests.
	OnReady func(addr string)
}

// Migrator wraps the methods the migrate command uses from store.Migrator.
type Migrator interface {
	AutoMigrator
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	PendingMigrations() ([]uint, error)
}

// AutoMigrator is the part of Migrator serve needs at startup.
type AutoMigrator interface {
	Up() error
	Close() error
}

// RedisClient is the part of *redis.Client the redis limiter uses.
type RedisClient interface {
	redis.Scripter
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
	Registry() *prometheus.Registry
}

// HTTPServer wraps the methods used from httpapi.Server.
type HTTPServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

func (d *Deps) withDefaults() *Deps {
	out := Deps{}
	if d != nil {
		out = *d
	}
	if out.AccountStoreFactory == nil {
		out.AccountStoreFactory = openAccountStore
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(url string) (Migrator, error) {
			m, err := store.NewMigrator(url)
			if err != nil {
				return nil, err
			}
			return m, nil
		}
	}
	if out.RedisFactory == nil {
		out.RedisFactory = func(addr string) RedisClient {
			return redis.NewClient(&redis.Options{Addr: addr})
		}
	}
	if out.NotifierFactory == nil {
		out.NotifierFactory = newNotifier
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer {
			return observability.NewServer(addr, ready, logger)
		}
	}
	if out.HTTPServerFactory == nil {
		out.HTTPServerFactory = func(addr string, handler http.Handler, logger *slog.Logger) HTTPServer {
			return httpapi.NewServer(addr, handler, logger)
		}
	}
	if out.LogWriter == nil {
		out.LogWriter = os.Stderr
	}
	return &out
}

// openAccountStore returns the in-memory store or a postgres store backed by
// a pool that is closed by the release func.
func openAccountStore(ctx context.Context, cfg config.StoreConfig) (auth.AccountRepository, func(), error) {
	if cfg.Driver != config.StorePostgres {
		return memory.NewAccountRepository(), func() {}, nil
	}
	pool, err := store.NewPool(ctx, cfg.DatabaseURL, store.PoolOptions{
		MaxConns:        cfg.MaxConns,
		ConnectAttempts: 5,
		ConnectBackoff:  500 * time.Millisecond,
	})
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewAccountRepository(pool), pool.Close, nil
}
