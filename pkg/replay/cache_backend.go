package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/clawee/sidecar/pkg/store"
)

// CacheBackend implements Backend over a single "set if absent with expiry"
// primitive, satisfied by both the Redis-backed and in-memory Cache
// implementations in pkg/store.
type CacheBackend struct {
	Cache store.Cache
}

func (b *CacheBackend) RegisterIfAbsent(ctx context.Context, namespace, hash string, ttl time.Duration, now time.Time) (bool, error) {
	key := namespace + ":" + hash
	ok, err := b.Cache.SetNX(ctx, key, now.Format(time.RFC3339Nano), ttl)
	if err != nil {
		return false, fmt.Errorf("register replay entry in cache: %w", err)
	}
	return ok, nil
}
