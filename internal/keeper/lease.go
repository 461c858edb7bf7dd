package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// leaseClient is the subset of redis.Cmdable the lease uses.
type leaseClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisLease is a best-effort single-holder lease on a Redis key. The
// holder renews on every tick; if it dies the key expires after ttl.
// Ownership check and renewal are two round trips, so ttl should span
// several keeper intervals.
type RedisLease struct {
	rdb   leaseClient
	key   string
	token string
	ttl   time.Duration
}

func NewRedisLease(rdb leaseClient, key string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{rdb: rdb, key: key, token: uuid.NewString(), ttl: ttl}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	holder, err := l.rdb.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", l.key, err)
	}
	if holder != l.token {
		return false, nil
	}
	if err := l.rdb.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return false, fmt.Errorf("renew %s: %w", l.key, err)
	}
	return true, nil
}

// Release drops the lease if this process still holds it.
func (l *RedisLease) Release(ctx context.Context) error {
	holder, err := l.rdb.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if holder != l.token {
		return nil
	}
	return l.rdb.Del(ctx, l.key).Err()
}
