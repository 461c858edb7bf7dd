package relay

import (
	"sync"

	"CollarLedger/internal/message"
)

// Arrival classifies a message nonce against the source's high-water mark.
type Arrival uint8

const (
	ArrivalInOrder Arrival = iota
	ArrivalGap             // ahead of the next expected nonce
	ArrivalLate            // at or below the high-water mark
)

func (a Arrival) String() string {
	switch a {
	case ArrivalInOrder:
		return "in_order"
	case ArrivalGap:
		return "gap"
	case ArrivalLate:
		return "late"
	default:
		return "unknown"
	}
}

// NonceTracker watches per-source nonces on the inbound side. Ordering is
// advisory: the registry keys messages by id and every consumer gates on
// its own preconditions, so gaps and late arrivals are accepted and only
// counted.
type NonceTracker struct {
	mu        sync.Mutex
	highWater map[message.Domain]uint64
	gaps      map[message.Domain]int64
	late      map[message.Domain]int64
}

func NewNonceTracker() *NonceTracker {
	return &NonceTracker{
		highWater: make(map[message.Domain]uint64),
		gaps:      make(map[message.Domain]int64),
		late:      make(map[message.Domain]int64),
	}
}

// Observe records a nonce and reports how it arrived.
func (t *NonceTracker) Observe(source message.Domain, nonce uint64) Arrival {
	t.mu.Lock()
	defer t.mu.Unlock()

	hw := t.highWater[source]
	switch {
	case nonce <= hw:
		t.late[source]++
		return ArrivalLate
	case nonce == hw+1:
		t.highWater[source] = nonce
		return ArrivalInOrder
	default:
		t.gaps[source]++
		t.highWater[source] = nonce
		return ArrivalGap
	}
}

// HighWater returns the highest nonce seen from source.
func (t *NonceTracker) HighWater(source message.Domain) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highWater[source]
}

// SetHighWater initializes the mark (used during recovery).
func (t *NonceTracker) SetHighWater(source message.Domain, nonce uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.highWater[source] = nonce
}

func (t *NonceTracker) Gaps(source message.Domain) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gaps[source]
}

func (t *NonceTracker) Late(source message.Domain) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.late[source]
}
