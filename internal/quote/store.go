package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"CollarLedger/internal/fault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/redis/go-redis/v9"
)

var ErrQuoteNotFound = fault.Retryable("quote: not found")

// Signed is a quote with the quoter's signature, as handed to the keeper.
type Signed struct {
	Quote     Quote         `json:"quote"`
	Signature hexutil.Bytes `json:"signature"`
}

// Store keeps signed quotes by hash so the keeper can match the quote a
// TradeConfirmed message names.
type Store interface {
	Put(ctx context.Context, s Signed) error
	Get(ctx context.Context, hash common.Hash) (Signed, error)
}

// MemoryStore is a Store for a single process.
type MemoryStore struct {
	mu     sync.RWMutex
	quotes map[common.Hash]Signed
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{quotes: make(map[common.Hash]Signed)}
}

func (m *MemoryStore) Put(_ context.Context, s Signed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[s.Quote.Hash()] = s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, hash common.Hash) (Signed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.quotes[hash]
	if !ok {
		return Signed{}, fmt.Errorf("%w: %s", ErrQuoteNotFound, hash.Hex())
	}
	return s, nil
}

// RedisStore shares quotes between the API and the keeper.
type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func redisKey(hash common.Hash) string {
	return "collar:quote:" + hash.Hex()
}

func (r *RedisStore) Put(ctx context.Context, s Signed) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode quote: %w", err)
	}
	if err := r.rdb.Set(ctx, redisKey(s.Quote.Hash()), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("store quote: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, hash common.Hash) (Signed, error) {
	data, err := r.rdb.Get(ctx, redisKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Signed{}, fmt.Errorf("%w: %s", ErrQuoteNotFound, hash.Hex())
	}
	if err != nil {
		return Signed{}, fmt.Errorf("load quote: %w", err)
	}
	var s Signed
	if err := json.Unmarshal(data, &s); err != nil {
		return Signed{}, fmt.Errorf("%w: %v", ErrMalformedQuote, err)
	}
	return s, nil
}
