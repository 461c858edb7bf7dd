package persistence_test

import (
	"bytes"
	"context"
	"testing"

	"CollarLedger/internal/command"
	"CollarLedger/internal/persistence"
	"CollarLedger/internal/testutil"
)

// ============================================================================
// Event log and snapshots against Postgres
// ============================================================================

func TestEventLogAndSnapshot_Postgres(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	writer := persistence.NewEventLogWriter(db)
	if seq, err := writer.LatestSequence(ctx); err != nil || seq != -1 {
		t.Fatalf("empty log: seq=%d err=%v", seq, err)
	}

	c, outputs := newCore(t)
	rows := make([]persistence.EventRow, 0, len(outputs))
	for _, out := range outputs {
		rec, err := persistence.NewRecord(out)
		if err != nil {
			t.Fatalf("NewRecord: %v", err)
		}
		rows = append(rows, rec.Event)
	}
	if err := writer.WriteEventBatch(ctx, db, rows); err != nil {
		t.Fatalf("write events: %v", err)
	}
	var transfers []persistence.TransferRow
	for _, out := range outputs {
		rec, _ := persistence.NewRecord(out)
		transfers = append(transfers, rec.Transfers...)
	}
	if err := writer.WriteTransferBatch(ctx, db, transfers); err != nil {
		t.Fatalf("write transfers: %v", err)
	}
	// Retried flushes are absorbed by the primary key.
	if err := writer.WriteEventBatch(ctx, db, rows); err != nil {
		t.Fatalf("rewrite events: %v", err)
	}

	latest, err := writer.LatestSequence(ctx)
	if err != nil || latest != c.Sequence()-1 {
		t.Fatalf("latest = %d (%v), want %d", latest, err, c.Sequence()-1)
	}
	loaded, err := writer.LoadEventsFrom(ctx, 0, 10)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(loaded) != len(rows) {
		t.Fatalf("loaded %d events, want %d", len(loaded), len(rows))
	}
	tip := c.StateHash()
	if !bytes.Equal(loaded[len(loaded)-1].StateHash, tip[:]) {
		t.Error("last logged hash differs from core tip")
	}

	// Replaying the log into a fresh core reproduces every hash.
	replayed, _ := emptyCore(t)
	replayed.SetReplayMode(true)
	for _, row := range loaded {
		cmd, err := command.Decode(command.ParseCommandType(row.CommandType), row.Payload)
		if err != nil {
			t.Fatalf("decode %d: %v", row.Sequence, err)
		}
		if err := replayed.ProcessCommand(ctx, cmd); err != nil {
			t.Fatalf("replay %d: %v", row.Sequence, err)
		}
		hash := replayed.StateHash()
		if !bytes.Equal(hash[:], row.StateHash) {
			t.Fatalf("replay %d: hash differs", row.Sequence)
		}
	}

	// Orders the bridge never accepted survive a restart until marked.
	pending, err := writer.PendingTransfers(ctx)
	if err != nil {
		t.Fatalf("pending transfers: %v", err)
	}
	if len(pending) != len(transfers) || len(pending) == 0 {
		t.Fatalf("pending = %d, want %d", len(pending), len(transfers))
	}
	req, err := pending[0].Request()
	if err != nil {
		t.Fatalf("rebuild order: %v", err)
	}
	if err := writer.MarkTransferDispatched(ctx, req.ID); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	pending, err = writer.PendingTransfers(ctx)
	if err != nil || len(pending) != len(transfers)-1 {
		t.Fatalf("after mark: pending = %d (%v), want %d", len(pending), err, len(transfers)-1)
	}

	snapMgr := persistence.NewSnapshotManager(db)
	snap := persistence.SnapshotFromCore(c.CreateSnapshotState(), t0)
	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if got, err := snapMgr.LoadLatestSnapshot(ctx); err != nil || got != nil {
		t.Fatalf("unverified snapshot must not load: %+v %v", got, err)
	}
	if err := snapMgr.VerifyAgainstLog(ctx, snap); err != nil {
		t.Fatalf("verify: %v", err)
	}
	got, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil || got == nil {
		t.Fatalf("load verified snapshot: %+v %v", got, err)
	}
	if got.Sequence != snap.Sequence || !bytes.Equal(got.StateHash, snap.StateHash) {
		t.Errorf("loaded snapshot seq=%d, want %d", got.Sequence, snap.Sequence)
	}
}
