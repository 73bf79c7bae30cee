package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/clawee/sidecar/pkg/replay"
	"github.com/clawee/sidecar/pkg/store"
)

// openReplayBackend selects the replay.Backend REPLAY_BACKEND names,
// returning a cleanup func that releases whatever connection it opened.
var openReplayBackend = func(ctx context.Context, cfg Config, db *sql.DB) (replay.Backend, func(), error) {
	switch cfg.ReplayBackend {
	case "", "sqlite":
		return &replay.SQLiteBackend{DB: db}, func() {}, nil
	case "redis":
		client, err := store.NewRedis(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		cache := store.NewCache(ctx, client)
		return &replay.CacheBackend{Cache: cache}, func() { _ = client.Close() }, nil
	case "postgres":
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return &replay.PostgresBackend{Pool: pool}, func() { pool.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown REPLAY_BACKEND %q", cfg.ReplayBackend)
	}
}
