package replay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend implements Backend against a replay_entries(namespace,
// hash, seen_at, expires_at, PRIMARY KEY (namespace, hash)) table using INSERT ... ON
// CONFLICT DO NOTHING RETURNING as the atomic register-if-absent primitive.
// Every SweepEvery'th write also removes expired rows, rather than sweeping
// on every call, to bound the extra query volume under load.
type PostgresBackend struct {
	Pool       *pgxpool.Pool
	SweepEvery uint32

	writes uint32
}

const defaultSweepEvery = 50

func (b *PostgresBackend) RegisterIfAbsent(ctx context.Context, namespace, hash string, ttl time.Duration, now time.Time) (bool, error) {
	expiresAt := now.Add(ttl)
	var returned string
	err := b.Pool.QueryRow(ctx, `
		INSERT INTO replay_entries (hash, namespace, seen_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, hash) DO NOTHING
		RETURNING hash
	`, hash, namespace, now, expiresAt).Scan(&returned)
	registered := true
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			registered = false
		} else {
			return false, fmt.Errorf("register replay entry in postgres: %w", err)
		}
	}

	every := b.SweepEvery
	if every == 0 {
		every = defaultSweepEvery
	}
	if atomic.AddUint32(&b.writes, 1)%every == 0 {
		if _, sweepErr := b.Pool.Exec(ctx, `DELETE FROM replay_entries WHERE expires_at < $1`, now); sweepErr != nil {
			return registered, fmt.Errorf("sweep expired replay entries: %w", sweepErr)
		}
	}
	return registered, nil
}
