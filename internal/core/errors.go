package core

import "CollarLedger/internal/fault"

// Validation: bad input or mismatched message fields. Never retried.
var (
	ErrInvalidMaturity       = fault.Validation("core: maturity must be in the future")
	ErrUnsupportedCollateral = fault.Validation("core: collateral asset not allowlisted")
	ErrInvalidAmount         = fault.Validation("core: amount must be positive")
	ErrInvalidCustodyAccount = fault.Validation("core: custody account id required")
	ErrBridgeFeeTooHigh      = fault.Validation("core: bridge fee exceeds maximum")
	ErrUnknownLoan           = fault.Validation("core: unknown loan")
	ErrMessageKindMismatch   = fault.Validation("core: message kind mismatch")
	ErrMessageLoanMismatch   = fault.Validation("core: message loan id mismatch")
	ErrMessageAssetMismatch  = fault.Validation("core: message asset mismatch")
	ErrMessageAmountMismatch = fault.Validation("core: message amount mismatch")
	ErrRecipientMismatch     = fault.Validation("core: message recipient is not this contract")
	ErrCustodyMismatch       = fault.Validation("core: message custody account mismatch")
	ErrQuoteHashMismatch     = fault.Validation("core: trade quote hash does not match accepted quote")
	ErrTakerNonceMismatch    = fault.Validation("core: trade taker nonce does not match accepted quote")
	ErrFeeMismatch           = fault.Validation("core: trade fee does not equal expected origination fee")
	ErrOutcomeMismatch       = fault.Validation("core: settlement report outcome mismatch")
	ErrUnknownOutcome        = fault.Validation("core: unknown settlement outcome")
	ErrTransferRequired      = fault.Validation("core: settlement proceeds need a bridge transfer")
	ErrUnknownCommand        = fault.Validation("core: unknown command type")
)

// Retryable: precondition not yet met. The keeper polls and retries.
var (
	ErrNotMatured = fault.Retryable("core: loan has not matured")
)

// Invariant: the call can never succeed as constructed.
var (
	ErrLoanAlreadyActive     = fault.Invariant("core: loan already activated")
	ErrReturnAlreadyRecorded = fault.Invariant("core: collateral return already recorded")
	ErrTradeAlreadyConfirmed = fault.Invariant("core: trade already confirmed")
	ErrReturnInFlight        = fault.Invariant("core: return already requested")
	ErrInvalidLoanState      = fault.Invariant("core: loan is not in the required state")
)
