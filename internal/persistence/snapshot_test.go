package persistence_test

import (
	"encoding/json"
	"testing"

	"CollarLedger/internal/persistence"
)

// ============================================================================
// Snapshot conversion
// ============================================================================

func TestSnapshot_RoundTripThroughJSON(t *testing.T) {
	c, _ := newCore(t)
	state := c.CreateSnapshotState()

	stored := persistence.SnapshotFromCore(state, t0)
	data, err := json.Marshal(stored)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var loaded persistence.SnapshotData
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	back, err := loaded.ToCore()
	if err != nil {
		t.Fatalf("ToCore: %v", err)
	}
	if back.Sequence != 1 || back.StateHash != c.StateHash() {
		t.Errorf("restored seq=%d hash=%x, want 1/%x", back.Sequence, back.StateHash, c.StateHash())
	}
	if len(back.Balances) != len(state.Balances) {
		t.Fatalf("balances = %d, want %d", len(back.Balances), len(state.Balances))
	}
	for k, v := range state.Balances {
		if back.Balances[k] != v {
			t.Errorf("balance %s = %d, want %d", k.AccountPath(), back.Balances[k], v)
		}
	}
	if back.Pool != state.Pool {
		t.Errorf("pool = %+v, want %+v", back.Pool, state.Pool)
	}
	if len(back.Outbox) != 1 || back.Outbox[0].ID != state.Outbox[0].ID {
		t.Errorf("outbox not preserved: %+v", back.Outbox)
	}
	if len(back.IdempotencyKeys) != 2 {
		t.Errorf("idempotency keys = %d, want 2", len(back.IdempotencyKeys))
	}

	// A core restored from the snapshot continues the same chain.
	restored, _ := newCore(t)
	restored.RestoreFromSnapshot(back)
	if restored.StateHash() != c.StateHash() || restored.Sequence() != c.Sequence() {
		t.Errorf("restored core at seq=%d, want %d", restored.Sequence(), c.Sequence())
	}
}

func TestSnapshot_ToCoreRejectsCorruptData(t *testing.T) {
	c, _ := newCore(t)
	good := persistence.SnapshotFromCore(c.CreateSnapshotState(), t0)

	tests := []struct {
		name   string
		mutate func(d *persistence.SnapshotData)
	}{
		{"short hash", func(d *persistence.SnapshotData) { d.StateHash = d.StateHash[:16] }},
		{"bad account path", func(d *persistence.SnapshotData) { d.Balances["system:nowhere"] = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := *good
			d.Balances = make(map[string]int64, len(good.Balances))
			for k, v := range good.Balances {
				d.Balances[k] = v
			}
			tt.mutate(&d)
			if _, err := d.ToCore(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
