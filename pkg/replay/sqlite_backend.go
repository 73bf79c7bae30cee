package replay

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteBackend implements Backend against the local embedded database's
// replay_entries table, using INSERT OR IGNORE as the register-if-absent
// primitive and sweeping expired rows opportunistically before each write.
type SQLiteBackend struct {
	DB *sql.DB
}

func (b *SQLiteBackend) RegisterIfAbsent(ctx context.Context, namespace, hash string, ttl time.Duration, now time.Time) (bool, error) {
	if _, err := b.DB.ExecContext(ctx, `DELETE FROM replay_entries WHERE expires_at < ?`, now); err != nil {
		return false, fmt.Errorf("sweep expired replay entries: %w", err)
	}
	res, err := b.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO replay_entries (hash, namespace, seen_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, hash, namespace, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("register replay entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
