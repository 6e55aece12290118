package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard claims a transaction id across replicas so that only one of them
// writes the alert for it within the dedup window.
type Guard interface {
	// Claim returns true if the caller now owns txnID for window.
	Claim(ctx context.Context, txnID string, window time.Duration) (bool, error)
	// Release gives up a claim whose alert was never written.
	Release(ctx context.Context, txnID string) error
}

// redisClient is the subset of *redis.Client the guard uses.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGuard implements Guard with SET NX EX.
type RedisGuard struct {
	rdb    redisClient
	prefix string
}

// NewRedisGuard wraps an existing client.
func NewRedisGuard(rdb redisClient) *RedisGuard {
	return &RedisGuard{rdb: rdb, prefix: "fraudwatch:alert:"}
}

// DialRedisGuard connects to the Redis server at url and verifies it with a PING.
func DialRedisGuard(ctx context.Context, url string) (*RedisGuard, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisGuard(client), client, nil
}

func (g *RedisGuard) Claim(ctx context.Context, txnID string, window time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, g.prefix+txnID, time.Now().UTC().Format(time.RFC3339Nano), window).Result()
	if err != nil {
		return false, fmt.Errorf("claim alert for %s: %w", txnID, err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, txnID string) error {
	if err := g.rdb.Del(ctx, g.prefix+txnID).Err(); err != nil {
		return fmt.Errorf("release alert claim for %s: %w", txnID, err)
	}
	return nil
}

var _ Guard = (*RedisGuard)(nil)
