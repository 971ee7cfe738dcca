package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orbit-sync/signup-enricher/internal/config"
	"github.com/orbit-sync/signup-enricher/internal/dedup"
	"github.com/orbit-sync/signup-enricher/pkg/foundry"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/core"
	"github.com/orbit-sync/signup-enricher/pkg/warehouse/bigquerywh"
	"github.com/orbit-sync/signup-enricher/pkg/warehouse/foundrywh"
	"github.com/orbit-sync/signup-enricher/pkg/warehouse/local"
	"github.com/orbit-sync/signup-enricher/pkg/warehouse/postgres"
)

// warehouse is what a run reads signups from and writes outcomes to.
type warehouse interface {
	core.Accessor
	core.Integrator
}

// openWarehouse connects the backend named by cfg.Warehouse. The returned
// close func is never nil.
func openWarehouse(ctx context.Context, cfg config.Config, logger *slog.Logger) (warehouse, func(), error) {
	noop := func() {}
	switch cfg.Warehouse {
	case config.WarehouseBigQuery:
		wh, err := bigquerywh.New(ctx, bigquerywh.Options{
			Project:         cfg.BigQuery.Project,
			CredentialsFile: cfg.BigQuery.CredentialsFile,
			CredentialsJSON: []byte(cfg.BigQuery.CredentialsJSON),
			Query:           cfg.Query,
			TimeColumn:      cfg.TimeColumn,
			Logger:          logger,
		})
		if err != nil {
			return nil, noop, err
		}
		return wh, func() { _ = wh.Close() }, nil

	case config.WarehousePostgres:
		pool, err := postgres.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, noop, err
		}
		return postgres.New(pool, postgres.Options{
			Query:      cfg.Query,
			TimeColumn: cfg.TimeColumn,
			Logger:     logger,
		}), pool.Close, nil

	case config.WarehouseFoundry:
		env, err := foundry.LoadEnv()
		if err != nil {
			return nil, noop, fmt.Errorf("foundry env: %w", err)
		}
		client, err := foundry.NewClientFromEnv(env)
		if err != nil {
			return nil, noop, err
		}
		return foundrywh.New(client, env, logger), noop, nil

	case config.WarehouseLocal:
		return local.New(cfg.Local.Input, cfg.Local.OutputDir), noop, nil

	default:
		return nil, noop, fmt.Errorf("unsupported warehouse %q", cfg.Warehouse)
	}
}

// openDedup connects the Redis filter when REDIS_URL is set. A connection
// failure disables deduplication for the run rather than failing it.
func openDedup(ctx context.Context, cfg config.Config, logger *slog.Logger) (*dedup.Filter, func()) {
	if cfg.Redis.URL == "" {
		return nil, func() {}
	}
	rdb, err := dedup.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Warn("dedup disabled", "error", err)
		return nil, func() {}
	}
	return dedup.NewFilter(rdb, cfg.Redis.TTL), func() { _ = rdb.Close() }
}
