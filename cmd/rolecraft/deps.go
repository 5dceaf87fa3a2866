// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/rolecraft/rolecraft/internal/config"
	"github.com/rolecraft/rolecraft/internal/hierarchy/store"
	"github.com/rolecraft/rolecraft/internal/observability"
)

// Deps contains injectable dependencies for the daemon commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// StoreOpener opens the configured storage backend. The returned
	// cleanup func releases backend resources and may be nil.
	// Default: openStore
	StoreOpener func(ctx context.Context, cfg config.Config) (store.Store, func(), error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// fill populates nil fields with default implementations.
func (d *Deps) fill() {
	if d.StoreOpener == nil {
		d.StoreOpener = openStore
	}
	if d.ObservabilityServerFactory == nil {
		d.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
}

// Database connection retry policy. Fibonacci backoff smooths over a
// database that is still starting when the daemon comes up.
const (
	dbRetryBase = 500 * time.Millisecond
	dbRetryMax  = 6
)

// openStore opens the backend named by cfg.Store.Backend.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil, nil
	case config.BackendFile:
		fs, err := store.NewFileStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return fs, nil, nil
	case config.BackendPostgres:
		if cfg.Store.DatabaseURL == "" {
			return nil, nil, oops.Code("CONFIG_INVALID").
				Errorf("store.database_url or DATABASE_URL is required for the postgres backend")
		}
		pg, pool, err := connectPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pool.Close, nil
	default:
		return nil, nil, oops.Code("CONFIG_INVALID").
			With("backend", cfg.Store.Backend).Errorf("unknown store backend")
	}
}

// connectPostgres dials the database, retrying transient failures.
func connectPostgres(ctx context.Context, databaseURL string) (*store.PostgresStore, *pgxpool.Pool, error) {
	var (
		pg   *store.PostgresStore
		pool *pgxpool.Pool
	)
	backoff := retry.WithMaxRetries(dbRetryMax, retry.NewFibonacci(dbRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, p, err := store.Connect(ctx, databaseURL)
		if err != nil {
			return retry.RetryableError(err)
		}
		pg, pool = s, p
		return nil
	})
	if err != nil {
		return nil, nil, oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}
	return pg, pool, nil
}
