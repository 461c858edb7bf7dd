package bridge

import (
	"context"
	"encoding/binary"
	"fmt"

	"CollarLedger/internal/fault"
	"CollarLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrTransferPending = fault.Retryable("bridge: transfer not yet complete")
	ErrUnknownTransfer = fault.Retryable("bridge: transfer not found")
	ErrFeeTooHigh      = fault.Validation("bridge: fee exceeds caller maximum")
	ErrUnknownPurpose  = fault.Validation("bridge: unknown transfer purpose")
)

// Purpose tags why an asset movement was started.
type Purpose uint8

const (
	PurposeDeposit Purpose = iota + 1
	PurposeReturn
	PurposeSettlement
)

func (p Purpose) String() string {
	switch p {
	case PurposeDeposit:
		return "deposit"
	case PurposeReturn:
		return "return"
	case PurposeSettlement:
		return "settlement"
	default:
		return "unknown"
	}
}

// ParsePurpose is the inverse of Purpose.String.
func ParsePurpose(s string) (Purpose, error) {
	for _, p := range []Purpose{PurposeDeposit, PurposeReturn, PurposeSettlement} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPurpose, s)
}

// Metadata rides along with a transfer for correlation.
type Metadata struct {
	LoanID  uint64  `json:"loanId"`
	Purpose Purpose `json:"purpose"`
}

// TransferRequest is an order to move assets across domains. ID is the
// idempotency key; bridges must not move funds twice for one ID.
type TransferRequest struct {
	ID       common.Hash    `json:"id"`
	Asset    ledger.AssetID `json:"asset"`
	Amount   int64          `json:"amount"`
	Receiver common.Address `json:"receiver"`
	Metadata Metadata       `json:"metadata"`
}

// Bridge moves assets between domains.
type Bridge interface {
	Transfer(ctx context.Context, req TransferRequest) (common.Hash, error)
	FeeEstimate(ctx context.Context, asset ledger.AssetID, receiver common.Address, amount int64) (int64, error)
}

// TransferTracker proves that a transfer has landed. Completion is an
// opaque fact to the core.
type TransferTracker interface {
	IsTransferComplete(ctx context.Context, transferID common.Hash) (bool, error)
}

// OrderID derives a deterministic transfer id so a replayed command
// produces the same order.
func OrderID(loanID uint64, purpose Purpose, nonce uint64) common.Hash {
	var buf [17]byte
	binary.BigEndian.PutUint64(buf[0:8], loanID)
	buf[8] = byte(purpose)
	binary.BigEndian.PutUint64(buf[9:17], nonce)
	return crypto.Keccak256Hash([]byte("collar-transfer"), buf[:])
}

// RequireComplete turns a tracker answer into the retryable error kinds.
func RequireComplete(ctx context.Context, t TransferTracker, id common.Hash) error {
	done, err := t.IsTransferComplete(ctx, id)
	if err != nil {
		return err
	}
	if !done {
		return ErrTransferPending
	}
	return nil
}
