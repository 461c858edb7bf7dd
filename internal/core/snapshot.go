package core

import (
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"
	"CollarLedger/internal/pool"
	"CollarLedger/internal/state"
	"CollarLedger/internal/yield"
)

// SnapshotState is the complete in-memory state of the core at one
// sequence. Restoring it and replaying later commands must reproduce the
// same hash chain.
type SnapshotState struct {
	Sequence        int64 // last applied; -1 when nothing has been applied
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	Book            state.BookSnapshot
	Registry        []message.Entry
	Outbox          []message.Envelope
	Pool            pool.State
	Yield           *yield.MarketState // set when the yield adapter is the in-process market
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *SettlementCore) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.Tip(),
		Balances:        c.balances.Snapshot(),
		Book:            c.book.Snapshot(),
		Registry:        c.registry.Entries(),
		Outbox:          c.outbox.Since(0),
		Pool:            c.pool.State(),
		IdempotencyKeys: c.idempotent.lru.Keys(),
	}
	if m, ok := c.deps.Yield.(*yield.Market); ok {
		st := m.State()
		snap.Yield = &st
	}
	return snap
}

// RestoreFromSnapshot replaces the core's state. The next command gets
// sequence snap.Sequence+1.
func (c *SettlementCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.hasher.Reset(snap.StateHash)
	c.balances.Restore(snap.Balances)
	c.book.Restore(snap.Book)
	c.registry.Restore(snap.Registry)
	c.outbox.Restore(snap.Outbox)
	c.pool.Restore(snap.Pool)
	if m, ok := c.deps.Yield.(*yield.Market); ok && snap.Yield != nil {
		m.Restore(*snap.Yield)
	}
	c.WarmLRU(snap.IdempotencyKeys)
}

// WarmLRU loads recent idempotency keys so restarts avoid cold-path lookups.
func (c *SettlementCore) WarmLRU(keys []string) {
	c.idempotent.lru.Warm(keys)
}
