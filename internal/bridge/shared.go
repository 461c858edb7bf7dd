package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"CollarLedger/internal/ledger"
	fpmath "CollarLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
)

const TransferBucket = "COLLAR_TRANSFERS"

var ErrRecordConflict = errors.New("bridge: transfer record changed concurrently")

// TransferStatus is where a transfer stands in the shared record.
type TransferStatus string

const (
	StatusSubmitted TransferStatus = "submitted"
	StatusDelivered TransferStatus = "delivered"
)

// TransferRecord is the shared view of one transfer. Both domains read it;
// the submitting side creates it and the delivery report completes it.
type TransferRecord struct {
	Request     TransferRequest `json:"request"`
	Status      TransferStatus  `json:"status"`
	TxHash      common.Hash     `json:"txHash"`
	SubmittedAt int64           `json:"submittedAt"`
	DeliveredAt int64           `json:"deliveredAt,omitempty"`
}

// KV stores transfer records. Get returns ErrUnknownTransfer for a missing
// key; Create and Update return ErrRecordConflict when the key already
// exists or the revision moved.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, uint64, error)
	Create(ctx context.Context, key string, value []byte) error
	Update(ctx context.Context, key string, value []byte, revision uint64) error
}

// FeeSchedule is a flat fee plus a bps share of the amount.
type FeeSchedule struct {
	Flat int64
	Bps  int64
}

func (f FeeSchedule) estimate(amount int64) (int64, error) {
	variable, err := fpmath.ApplyBps(amount, f.Bps)
	if err != nil {
		return 0, err
	}
	return f.Flat + variable, nil
}

// SharedBridge keeps transfer state in a KV bucket both daemons open, so a
// transfer ordered by one domain is observable by the other. A transfer is
// complete once a delivery has been reported for it, or immediately when
// autoComplete is set.
type SharedBridge struct {
	kv           KV
	fees         FeeSchedule
	autoComplete bool
	now          func() time.Time
}

func NewSharedBridge(kv KV, fees FeeSchedule, autoComplete bool) *SharedBridge {
	return &SharedBridge{kv: kv, fees: fees, autoComplete: autoComplete, now: time.Now}
}

func recordKey(id common.Hash) string { return id.Hex() }

// Transfer records the order. Resubmitting an id leaves the existing record
// untouched.
func (b *SharedBridge) Transfer(ctx context.Context, req TransferRequest) (common.Hash, error) {
	if req.ID == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("bridge transfer: order id required")
	}
	if req.Amount <= 0 {
		return common.Hash{}, fmt.Errorf("bridge transfer: amount must be positive")
	}
	rec := TransferRecord{Request: req, Status: StatusSubmitted, SubmittedAt: b.now().Unix()}
	if b.autoComplete {
		rec.Status = StatusDelivered
		rec.DeliveredAt = rec.SubmittedAt
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return common.Hash{}, err
	}
	err = b.kv.Create(ctx, recordKey(req.ID), data)
	if err != nil && !errors.Is(err, ErrRecordConflict) {
		return common.Hash{}, fmt.Errorf("record transfer %s: %w", req.ID.Hex(), err)
	}
	return req.ID, nil
}

func (b *SharedBridge) FeeEstimate(_ context.Context, _ ledger.AssetID, _ common.Address, amount int64) (int64, error) {
	return b.fees.estimate(amount)
}

// Record returns the shared record for id.
func (b *SharedBridge) Record(ctx context.Context, id common.Hash) (TransferRecord, uint64, error) {
	data, rev, err := b.kv.Get(ctx, recordKey(id))
	if err != nil {
		return TransferRecord{}, 0, err
	}
	var rec TransferRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return TransferRecord{}, 0, fmt.Errorf("decode transfer %s: %w", id.Hex(), err)
	}
	return rec, rev, nil
}

func (b *SharedBridge) IsTransferComplete(ctx context.Context, id common.Hash) (bool, error) {
	rec, _, err := b.Record(ctx, id)
	if errors.Is(err, ErrUnknownTransfer) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Status == StatusDelivered, nil
}

// MarkDelivered records the destination transaction that delivered id.
// Reporting the same delivery twice is a no-op; a different tx hash for an
// already delivered transfer is rejected.
func (b *SharedBridge) MarkDelivered(ctx context.Context, id, txHash common.Hash) error {
	for attempt := 0; attempt < 3; attempt++ {
		rec, rev, err := b.Record(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status == StatusDelivered && rec.TxHash != (common.Hash{}) {
			if rec.TxHash == txHash {
				return nil
			}
			return fmt.Errorf("%w: transfer %s already delivered by %s", ErrRecordConflict, id.Hex(), rec.TxHash.Hex())
		}
		rec.Status = StatusDelivered
		rec.TxHash = txHash
		rec.DeliveredAt = b.now().Unix()
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		err = b.kv.Update(ctx, recordKey(id), data, rev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRecordConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: transfer %s", ErrRecordConflict, id.Hex())
}

// DeliveryTx is a TxLookup over the shared records.
func (b *SharedBridge) DeliveryTx(ctx context.Context, id common.Hash) (common.Hash, bool, error) {
	rec, _, err := b.Record(ctx, id)
	if errors.Is(err, ErrUnknownTransfer) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, err
	}
	if rec.Status != StatusDelivered || rec.TxHash == (common.Hash{}) {
		return common.Hash{}, false, nil
	}
	return rec.TxHash, true, nil
}

// ============================================================================
// JetStream key-value store
// ============================================================================

// JetStreamKV adapts a JetStream key-value bucket to KV.
type JetStreamKV struct {
	kv jetstream.KeyValue
}

// OpenJetStreamKV creates or binds the transfer bucket.
func OpenJetStreamKV(ctx context.Context, js jetstream.JetStream, bucket string) (*JetStreamKV, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "cross-domain bridge transfer status",
		History:     4,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return &JetStreamKV{kv: kv}, nil
}

func (s *JetStreamKV) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownTransfer, key)
	}
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

func (s *JetStreamKV) Create(ctx context.Context, key string, value []byte) error {
	_, err := s.kv.Create(ctx, key, value)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("%w: %s", ErrRecordConflict, key)
	}
	return err
}

func (s *JetStreamKV) Update(ctx context.Context, key string, value []byte, revision uint64) error {
	_, err := s.kv.Update(ctx, key, value, revision)
	var apiErr *jetstream.APIError
	if errors.Is(err, jetstream.ErrKeyExists) ||
		(errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence) {
		return fmt.Errorf("%w: %s", ErrRecordConflict, key)
	}
	return err
}

// ============================================================================
// In-memory key-value store
// ============================================================================

type memEntry struct {
	value    []byte
	revision uint64
}

// MemoryKV is a process-local KV for deployments where both domains run in
// one process, and for tests.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
	seq     uint64
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memEntry)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownTransfer, key)
	}
	return append([]byte(nil), e.value...), e.revision, nil
}

func (m *MemoryKV) Create(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return fmt.Errorf("%w: %s", ErrRecordConflict, key)
	}
	m.seq++
	m.entries[key] = memEntry{value: append([]byte(nil), value...), revision: m.seq}
	return nil
}

func (m *MemoryKV) Update(_ context.Context, key string, value []byte, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, key)
	}
	if e.revision != revision {
		return fmt.Errorf("%w: %s", ErrRecordConflict, key)
	}
	m.seq++
	m.entries[key] = memEntry{value: append([]byte(nil), value...), revision: m.seq}
	return nil
}
