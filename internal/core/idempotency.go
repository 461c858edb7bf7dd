package core

import (
	"container/list"

	"CollarLedger/internal/observability"
)

// DBIdempotencyChecker is the cold-path lookup against the event log.
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker dedups commands in two tiers: a bounded in-memory LRU
// and, on a miss, the durable event log.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

func compositeKey(commandType, idempotencyKey string) string {
	return commandType + ":" + idempotencyKey
}

// IsDuplicate reports whether the command was already applied. A failing
// database lookup counts as "not seen"; the registry and state guards still
// reject a genuine replay.
func (ic *IdempotencyChecker) IsDuplicate(commandType, idempotencyKey string) bool {
	key := compositeKey(commandType, idempotencyKey)
	if ic.lru.Contains(key) {
		ic.recordHit(commandType, "lru")
		return true
	}
	if ic.dbChecker == nil {
		return false
	}

	dup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
	if err != nil {
		if ic.metrics != nil {
			ic.metrics.IdempotencyTier2Errs.Inc()
		}
		return false
	}
	if dup {
		ic.recordHit(commandType, "postgres")
		ic.lru.Add(key)
	}
	return dup
}

func (ic *IdempotencyChecker) MarkProcessed(commandType, idempotencyKey string) {
	ic.lru.Add(compositeKey(commandType, idempotencyKey))
}

func (ic *IdempotencyChecker) recordHit(commandType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyHits.WithLabelValues(commandType, tier).Inc()
	}
}

// IdempotencyLRU is a bounded set of composite keys with LRU eviction.
// Not thread-safe: owned by the settlement core.
type IdempotencyLRU struct {
	capacity  int
	cache     map[string]*list.Element
	order     *list.List
	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks membership and promotes the key.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

func (lru *IdempotencyLRU) Add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
		lru.evictions++
	}
}

// Warm loads keys oldest-first so the most recent stay resident.
func (lru *IdempotencyLRU) Warm(keys []string) {
	for _, k := range keys {
		lru.Add(k)
	}
}

// Keys returns resident keys oldest-first, the order Warm expects.
func (lru *IdempotencyLRU) Keys() []string {
	out := make([]string, 0, lru.order.Len())
	for e := lru.order.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}

func (lru *IdempotencyLRU) Size() int { return lru.order.Len() }

func (lru *IdempotencyLRU) Evictions() int64 { return lru.evictions }
