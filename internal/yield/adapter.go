package yield

import (
	"context"

	"CollarLedger/internal/fault"
	"CollarLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAmount       = fault.Validation("yield: amount must be positive")
	ErrInsufficientBalance = fault.Invariant("yield: insufficient collateral")
	ErrBorrowLimitExceeded = fault.Retryable("yield: borrow exceeds collateral limit")
	ErrRepayExceedsDebt    = fault.Validation("yield: repay exceeds debt")
	ErrWithdrawWouldBreach = fault.Retryable("yield: withdrawal leaves debt undercollateralized")
	ErrUnpricedAsset       = fault.Validation("yield: asset has no price")
)

// Adapter is the yield-market boundary. The settlement core calls it only
// when converting, repaying or closing a variable-rate loan; loan-to-value
// and liquidation policy live behind it.
type Adapter interface {
	DepositCollateral(ctx context.Context, asset ledger.AssetID, amount int64, onBehalfOf common.Address) error
	WithdrawCollateral(ctx context.Context, asset ledger.AssetID, amount int64, onBehalfOf, to common.Address) error
	Borrow(ctx context.Context, asset ledger.AssetID, amount int64, onBehalfOf, to common.Address) error
	Repay(ctx context.Context, asset ledger.AssetID, amount int64, onBehalfOf common.Address) error
}
