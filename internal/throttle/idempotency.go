package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyGuard lets the first request carrying a given key through and
// reports later ones as replays until the key expires.
type IdempotencyGuard struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewIdempotencyGuard(rdb *redis.Client, ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{redis: rdb, ttl: ttl}
}

func idempotencyKey(userID, key string) string {
	return fmt.Sprintf("polychat:idempotency:%s:%s", userID, key)
}

func (g *IdempotencyGuard) MarkFirst(ctx context.Context, userID, key string) (bool, error) {
	ok, err := g.redis.SetNX(ctx, idempotencyKey(userID, key), "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency setnx: %w", err)
	}
	return ok, nil
}

// Release forgets a key so a request rejected without side effects can be retried.
func (g *IdempotencyGuard) Release(ctx context.Context, userID, key string) error {
	if err := g.redis.Del(ctx, idempotencyKey(userID, key)).Err(); err != nil {
		return fmt.Errorf("idempotency del: %w", err)
	}
	return nil
}
