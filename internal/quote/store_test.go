package quote_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"CollarLedger/internal/fault"
	"CollarLedger/internal/quote"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements the two commands RedisStore issues. Any other call
// panics through the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable
	data map[string][]byte
	ttl  map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string][]byte), ttl: make(map[string]time.Duration)}
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.data[key] = value.([]byte)
	f.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func signedSample() quote.Signed {
	return quote.Signed{Quote: sampleQuote(), Signature: []byte{1, 2, 3}}
}

func TestStores_PutThenGet(t *testing.T) {
	stores := map[string]quote.Store{
		"memory": quote.NewMemoryStore(),
		"redis":  quote.NewRedisStore(newFakeRedis(), time.Hour),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := signedSample()
			require.NoError(t, store.Put(ctx, s))

			got, err := store.Get(ctx, s.Quote.Hash())
			require.NoError(t, err)
			require.Equal(t, s.Quote, got.Quote)
			require.Equal(t, s.Signature, got.Signature)

			_, err = store.Get(ctx, common.HexToHash("0xdead"))
			require.ErrorIs(t, err, quote.ErrQuoteNotFound)
			require.True(t, fault.IsRetryable(err))
		})
	}
}

func TestRedisStore_KeyAndTTL(t *testing.T) {
	rdb := newFakeRedis()
	store := quote.NewRedisStore(rdb, 2*time.Hour)
	s := signedSample()
	require.NoError(t, store.Put(context.Background(), s))

	key := "collar:quote:" + s.Quote.Hash().Hex()
	require.Contains(t, rdb.data, key)
	require.Equal(t, 2*time.Hour, rdb.ttl[key])
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	rdb := newFakeRedis()
	store := quote.NewRedisStore(rdb, time.Hour)
	hash := sampleQuote().Hash()
	rdb.data["collar:quote:"+hash.Hex()] = []byte("{not json")

	_, err := store.Get(context.Background(), hash)
	if !errors.Is(err, quote.ErrMalformedQuote) {
		t.Fatalf("expected ErrMalformedQuote, got %v", err)
	}
}
