package event

import (
	"time"

	"CollarLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// LifecycleType discriminates audit-trail events. One is emitted for every
// loan state transition.
type LifecycleType int32

const (
	LifecycleUnknown LifecycleType = iota
	LifecyclePoolFunded
	LifecycleMessageReceived
	LifecycleDepositInitiated
	LifecycleLoanCreated
	LifecycleReturnRequested
	LifecycleReturnCompleted
	LifecycleLoanSettled
	LifecycleShortfallWrittenOff
	LifecycleLoanConverted
	LifecycleVariableRepaid
	LifecycleLoanClosed
)

func (t LifecycleType) String() string {
	switch t {
	case LifecyclePoolFunded:
		return "PoolFunded"
	case LifecycleMessageReceived:
		return "MessageReceived"
	case LifecycleDepositInitiated:
		return "DepositInitiated"
	case LifecycleLoanCreated:
		return "LoanCreated"
	case LifecycleReturnRequested:
		return "ReturnRequested"
	case LifecycleReturnCompleted:
		return "ReturnCompleted"
	case LifecycleLoanSettled:
		return "LoanSettled"
	case LifecycleShortfallWrittenOff:
		return "ShortfallWrittenOff"
	case LifecycleLoanConverted:
		return "LoanConverted"
	case LifecycleVariableRepaid:
		return "VariableRepaid"
	case LifecycleLoanClosed:
		return "LoanClosed"
	default:
		return "Unknown"
	}
}

// MarshalText lets the type travel as its name in JSON.
func (t LifecycleType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *LifecycleType) UnmarshalText(b []byte) error {
	for c := LifecyclePoolFunded; c <= LifecycleLoanClosed; c++ {
		if c.String() == string(b) {
			*t = c
			return nil
		}
	}
	*t = LifecycleUnknown
	return nil
}

// Lifecycle is one audit-trail record. Fields not relevant to a type are zero.
type Lifecycle struct {
	Type       LifecycleType  `json:"type"`
	Sequence   int64          `json:"sequence"`
	Timestamp  time.Time      `json:"timestamp"`
	LoanID     uint64         `json:"loanId,omitempty"`
	Borrower   common.Address `json:"borrower,omitempty"`
	State      string         `json:"state,omitempty"`
	Asset      ledger.AssetID `json:"asset,omitempty"`
	Amount     int64          `json:"amount,omitempty"`
	Principal  int64          `json:"principal,omitempty"`
	Fee        int64          `json:"fee,omitempty"`
	Repay      int64          `json:"repay,omitempty"`
	Shortfall  int64          `json:"shortfall,omitempty"`
	Surplus    int64          `json:"surplus,omitempty"`
	ToPool     int64          `json:"toPool,omitempty"`
	ToTreasury int64          `json:"toTreasury,omitempty"`
	ToBorrower int64          `json:"toBorrower,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
	MessageID  common.Hash    `json:"messageId,omitempty"`
}
