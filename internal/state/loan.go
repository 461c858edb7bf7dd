package state

import (
	"CollarLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// LoanState is the settlement-side lifecycle of a loan. PENDING is not a
// loan state: it is represented by a PendingDeposit record.
type LoanState int32

const (
	LoanStateNone LoanState = iota
	LoanStateActiveFixed
	LoanStateActiveVariable
	LoanStateClosed
)

func (s LoanState) String() string {
	switch s {
	case LoanStateNone:
		return "NONE"
	case LoanStateActiveFixed:
		return "ACTIVE_FIXED"
	case LoanStateActiveVariable:
		return "ACTIVE_VARIABLE"
	case LoanStateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CanTransitionTo validates loan state transitions. No transition skips a
// state and CLOSED is terminal.
func (s LoanState) CanTransitionTo(next LoanState) bool {
	switch s {
	case LoanStateNone:
		return next == LoanStateActiveFixed
	case LoanStateActiveFixed:
		return next == LoanStateClosed || next == LoanStateActiveVariable
	case LoanStateActiveVariable:
		return next == LoanStateClosed
	default:
		return false
	}
}

// Loan is the authoritative lending record. Times are unix seconds and
// FeeRateAnnualized is scaled by 1e18.
type Loan struct {
	LoanID            uint64         `json:"loanId"`
	Borrower          common.Address `json:"borrower"`
	CollateralAsset   ledger.AssetID `json:"collateralAsset"`
	CollateralAmount  int64          `json:"collateralAmount"`
	Maturity          int64          `json:"maturity"`
	PutStrike         int64          `json:"putStrike"`
	CallStrike        int64          `json:"callStrike"`
	Principal         int64          `json:"principal"`
	CustodyAccountID  uint64         `json:"custodyAccountId"`
	State             LoanState      `json:"state"`
	StartTime         int64          `json:"startTime"`
	FeeRateAnnualized uint64         `json:"feeRateAnnualized"`
	OriginationFee    int64          `json:"originationFee"`
	VariableDebt      int64          `json:"variableDebt"`
	QuoteHash         common.Hash    `json:"quoteHash"`
	ClosedAt          int64          `json:"closedAt,omitempty"`
}

// IsMatured reports whether now (unix seconds) is at or past maturity.
func (l *Loan) IsMatured(now int64) bool {
	return now >= l.Maturity
}

// PendingDeposit bridges collateral arrival and loan activation. It is
// deleted when the loan activates or the collateral is returned.
type PendingDeposit struct {
	LoanID           uint64         `json:"loanId"`
	Borrower         common.Address `json:"borrower"`
	CollateralAsset  ledger.AssetID `json:"collateralAsset"`
	CollateralAmount int64          `json:"collateralAmount"`
	Maturity         int64          `json:"maturity"`
	CustodyAccountID uint64         `json:"custodyAccountId"`
	TransferID       common.Hash    `json:"transferId"`
	CreatedAt        int64          `json:"createdAt"`
	ReturnRequested  bool           `json:"returnRequested"`
	TradeConfirmed   bool           `json:"tradeConfirmed"`
}

// Resolution is the permanent record of how a pending deposit ended.
// It outlives the PendingDeposit so a late competing finalize can be
// rejected deterministically.
type Resolution uint8

const (
	ResolutionNone Resolution = iota
	ResolutionTraded
	ResolutionReturned
)

func (r Resolution) String() string {
	switch r {
	case ResolutionTraded:
		return "traded"
	case ResolutionReturned:
		return "returned"
	default:
		return "none"
	}
}
