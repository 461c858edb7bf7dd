package keeper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"CollarLedger/internal/keeper"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeRedis is a single-key-space stand-in for the commands the lease uses.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttl  map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttl: make(map[string]time.Duration)}
}

func (r *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	r.data[key] = value.(string)
	r.ttl[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (r *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (r *fakeRedis) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[key]; !ok {
		return redis.NewBoolResult(false, nil)
	}
	r.ttl[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (r *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := r.data[k]; ok {
			delete(r.data, k)
			delete(r.ttl, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisLease_SingleHolder(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	a := keeper.NewRedisLease(rdb, "collar:keeper", time.Minute)
	b := keeper.NewRedisLease(rdb, "collar:keeper", time.Minute)

	held, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)

	held, err = b.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, held, "second holder must be refused")

	// Renewal by the holder.
	held, err = a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)

	// Release by a non-holder is a no-op.
	require.NoError(t, b.Release(ctx))
	held, err = b.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, held)

	require.NoError(t, a.Release(ctx))
	held, err = b.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)
}

func TestRedisLease_DefaultTTL(t *testing.T) {
	rdb := newFakeRedis()
	l := keeper.NewRedisLease(rdb, "k", 0)
	held, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, 30*time.Second, rdb.ttl["k"])
}
