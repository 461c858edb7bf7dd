package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CollarLedger/internal/core"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"
	"CollarLedger/internal/pool"
	"CollarLedger/internal/state"
	"CollarLedger/internal/yield"

	"github.com/google/uuid"
)

// snapshotFormat is bumped whenever SnapshotData changes shape.
const snapshotFormat int32 = 1

// SnapshotManager creates and loads state snapshots for recovery. A
// snapshot is written unverified and only becomes eligible for restore
// after MarkVerified.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64              `json:"sequence"`
	StateHash       []byte             `json:"state_hash"`
	Balances        map[string]int64   `json:"balances"` // AccountPath -> balance
	Book            state.BookSnapshot `json:"book"`
	Registry        []message.Entry    `json:"registry"`
	Outbox          []message.Envelope `json:"outbox"`
	Pool            pool.State         `json:"pool"`
	Yield           *yield.MarketState `json:"yield,omitempty"`
	IdempotencyKeys []string           `json:"idempotency_keys"`
	CreatedAt       time.Time          `json:"created_at"`
}

// SnapshotFromCore converts core state into its stored form.
func SnapshotFromCore(s *core.SnapshotState, at time.Time) *SnapshotData {
	balances := make(map[string]int64, len(s.Balances))
	for k, v := range s.Balances {
		balances[k.AccountPath()] = v
	}
	return &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Balances:        balances,
		Book:            s.Book,
		Registry:        s.Registry,
		Outbox:          s.Outbox,
		Pool:            s.Pool,
		Yield:           s.Yield,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       at.UTC(),
	}
}

// ToCore converts a stored snapshot back into core state.
func (d *SnapshotData) ToCore() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}
	balances := make(map[ledger.AccountKey]int64, len(d.Balances))
	for path, v := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		balances[key] = v
	}
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Balances:        balances,
		Book:            d.Book,
		Registry:        d.Registry,
		Outbox:          d.Outbox,
		Pool:            d.Pool,
		Yield:           d.Yield,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(s.StateHash[:], d.StateHash)
	return s, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Saving the same sequence twice
// replaces the data and clears the verified flag.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE
			SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormat, len(data), snap.CreatedAt)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none and the caller must replay from the start of the log.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var (
		data    []byte
		version int32
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormat {
		return nil, fmt.Errorf("load snapshot: format version %d, want %d", version, snapshotFormat)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after its hash has been
// checked against the event log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// VerifyAgainstLog checks the snapshot's state hash against the hash the
// event log recorded at the same sequence and marks it verified on match.
func (sm *SnapshotManager) VerifyAgainstLog(ctx context.Context, snap *SnapshotData) error {
	var logged []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.events WHERE sequence = $1
	`, snap.Sequence).Scan(&logged)
	if err != nil {
		return fmt.Errorf("verify snapshot %d: %w", snap.Sequence, err)
	}
	if string(logged) != string(snap.StateHash) {
		return fmt.Errorf("verify snapshot %d: state hash differs from event log", snap.Sequence)
	}
	return sm.MarkVerified(ctx, snap.Sequence)
}
