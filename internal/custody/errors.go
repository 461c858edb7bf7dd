package custody

import "CollarLedger/internal/fault"

var (
	// Validation
	ErrUnexpectedKind    = fault.Validation("custody: unexpected message kind")
	ErrUnknownLoan       = fault.Validation("custody: unknown loan")
	ErrTermsMismatch     = fault.Validation("custody: message terms differ from the loan record")
	ErrRecipientMismatch = fault.Validation("custody: message is not addressed to this agent")
	ErrInvalidAmount     = fault.Validation("custody: amount must be positive")
	ErrInvalidOutcome    = fault.Validation("custody: unknown settlement outcome")

	// Retryable: the blocking condition may clear on a later tick.
	ErrNotDeposited      = fault.Retryable("custody: collateral deposit not yet signed")
	ErrNotActivated      = fault.Retryable("custody: mandate not yet received")
	ErrNotMatured        = fault.Retryable("custody: loan has not matured")
	ErrCoverageBreached  = fault.Retryable("custody: action would leave short calls uncovered")
	ErrCashFloorBreached = fault.Retryable("custody: action would take cash below the allowed floor")

	// Invariant
	ErrLoanExists             = fault.Invariant("custody: loan already has a deposit intent")
	ErrTradeAlreadyConfirmed  = fault.Invariant("custody: trade already confirmed for loan")
	ErrReturnAlreadyCompleted = fault.Invariant("custody: collateral already returned for loan")
	ErrReturnInFlight         = fault.Invariant("custody: collateral return already in flight")
	ErrInvalidState           = fault.Invariant("custody: loan is not in the required state")
	ErrInsufficientCollateral = fault.Invariant("custody: account holds less collateral than requested")
)
