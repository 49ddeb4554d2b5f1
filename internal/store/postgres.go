// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

// Package store owns the PostgreSQL connection pool and schema migrations.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// PoolOptions tunes NewPool. Zero values keep the pgxpool defaults.
type PoolOptions struct {
	MaxConns int32

	// ConnectAttempts is how many times the initial ping is tried.
	ConnectAttempts uint64

	// ConnectBackoff is the first wait between attempts; it doubles each time.
	ConnectBackoff time.Duration
}

// NewPool opens a pgx pool for databaseURL and waits until the server
// answers a ping. Containers often accept connections a moment after start,
// so failed pings are retried with exponential backoff.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, oops.Code("DB_CONFIG_INVALID").With("operation", "parse database url").Wrap(err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "create pool").Wrap(err)
	}

	attempts := max(opts.ConnectAttempts, 1)
	backoff := opts.ConnectBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	b := retry.WithMaxRetries(attempts-1, retry.NewExponential(backoff))

	err = retry.Do(ctx, b, func(ctx context.Context) error {
		if pingErr := pool.Ping(ctx); pingErr != nil {
			return retry.RetryableError(pingErr)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code("DB_CONNECT_FAILED").
			With("operation", "ping database").
			With("attempts", attempts).
			Wrap(err)
	}
	return pool, nil
}
