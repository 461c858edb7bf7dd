package custody

import (
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"

	"github.com/ethereum/go-ethereum/common"
)

// LoanState is the execution-side view of one loan's collateral.
type LoanState uint8

const (
	LoanNone LoanState = iota
	LoanDepositPending
	LoanDeposited
	LoanTraded
	LoanActivated
	LoanSettled
	LoanReturnPending
	LoanReturned
)

func (s LoanState) String() string {
	switch s {
	case LoanNone:
		return "NONE"
	case LoanDepositPending:
		return "DEPOSIT_PENDING"
	case LoanDeposited:
		return "DEPOSITED"
	case LoanTraded:
		return "TRADED"
	case LoanActivated:
		return "ACTIVATED"
	case LoanSettled:
		return "SETTLED"
	case LoanReturnPending:
		return "RETURN_PENDING"
	case LoanReturned:
		return "RETURNED"
	default:
		return "UNKNOWN"
	}
}

// LoanRecord tracks one loan's collateral on the execution side.
// TradeConfirmed, ReturnCompleted and ReturnTransferID together implement
// the three-way exclusion between a fill and a return.
type LoanRecord struct {
	LoanID            uint64         `json:"loanId"`
	State             LoanState      `json:"state"`
	IntentID          message.ID     `json:"intentId"`
	CollateralAsset   ledger.AssetID `json:"collateralAsset"`
	CollateralAmount  int64          `json:"collateralAmount"`
	CustodyAccountID  uint64         `json:"custodyAccountId"`
	Maturity          int64          `json:"maturity"`
	DepositTransferID common.Hash    `json:"depositTransferId"`
	TradeConfirmed    bool           `json:"tradeConfirmed"`
	QuoteHash         common.Hash    `json:"quoteHash,omitempty"`
	Principal         int64          `json:"principal,omitempty"`
	ReturnTransferID  common.Hash    `json:"returnTransferId,omitempty"`
	ReturnCompleted   bool           `json:"returnCompleted"`
	SettleTransferID  common.Hash    `json:"settleTransferId,omitempty"`
}

// ReturnInFlight reports whether a collateral return has been signed but
// not yet confirmed.
func (r *LoanRecord) ReturnInFlight() bool {
	return r.ReturnTransferID != (common.Hash{}) && !r.ReturnCompleted
}
