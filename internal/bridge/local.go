package bridge

import (
	"context"
	"fmt"
	"sync"

	"CollarLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// LocalTransfer is the state of one transfer on a Local bridge.
type LocalTransfer struct {
	Request  TransferRequest
	Complete bool
}

// Local is an in-process bridge used by the single-binary deployment and
// tests. Transfers complete either immediately or when Complete is called.
type Local struct {
	mu           sync.Mutex
	transfers    map[common.Hash]*LocalTransfer
	autoComplete bool
	fees         FeeSchedule
	seq          uint64
}

type LocalOption func(*Local)

func WithAutoComplete() LocalOption { return func(l *Local) { l.autoComplete = true } }

func WithFee(flat, bps int64) LocalOption {
	return func(l *Local) { l.fees = FeeSchedule{Flat: flat, Bps: bps} }
}

func NewLocal(opts ...LocalOption) *Local {
	l := &Local{transfers: make(map[common.Hash]*LocalTransfer)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) Transfer(_ context.Context, req TransferRequest) (common.Hash, error) {
	if req.Amount <= 0 {
		return common.Hash{}, fmt.Errorf("bridge transfer: amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if req.ID == (common.Hash{}) {
		l.seq++
		req.ID = OrderID(req.Metadata.LoanID, req.Metadata.Purpose, l.seq|1<<63)
	}
	if _, ok := l.transfers[req.ID]; ok {
		return req.ID, nil
	}
	l.transfers[req.ID] = &LocalTransfer{Request: req, Complete: l.autoComplete}
	return req.ID, nil
}

func (l *Local) FeeEstimate(_ context.Context, _ ledger.AssetID, _ common.Address, amount int64) (int64, error) {
	return l.fees.estimate(amount)
}

func (l *Local) IsTransferComplete(_ context.Context, id common.Hash) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.transfers[id]
	if !ok {
		return false, nil
	}
	return t.Complete, nil
}

// Complete marks a transfer as landed on the destination domain.
func (l *Local) Complete(id common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.transfers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id.Hex())
	}
	t.Complete = true
	return nil
}

// Get returns a copy of a transfer.
func (l *Local) Get(id common.Hash) (LocalTransfer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.transfers[id]
	if !ok {
		return LocalTransfer{}, false
	}
	return *t, true
}
