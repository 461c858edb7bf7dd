package settlement

import (
	"fmt"

	"CollarLedger/internal/fault"
	fpmath "CollarLedger/internal/math"
)

var (
	ErrNeutralHasNoSettlement = fault.Validation("settlement: neutral outcome carries no cash settlement")
	ErrUnknownOutcome         = fault.Validation("settlement: unknown outcome")
	ErrNegativeSettlement     = fault.Validation("settlement: negative amount")
	ErrInvalidBps             = fault.Validation("settlement: basis points out of range")
)

// Resolution is the payout plan for a cash-settled loan. Amounts are in
// the settlement stable's base units and sum to the settlement amount.
type Resolution struct {
	Outcome          Outcome
	SettlementAmount int64
	Principal        int64
	Repay            int64 // to the pool, always first
	Shortfall        int64 // written off against pool capital
	Surplus          int64
	SurplusPool      int64
	SurplusTreasury  int64
	SurplusBorrower  int64
}

// Resolve computes repayment, shortfall and surplus split for an
// underwater or profit outcome. Underwater surplus is split by
// surplusTreasuryBps between treasury and pool; profit surplus goes entirely
// to the borrower.
func Resolve(outcome Outcome, settlementAmount, principal, surplusTreasuryBps int64) (Resolution, error) {
	switch outcome {
	case OutcomeUnderwater, OutcomeProfit:
	case OutcomeNeutral:
		return Resolution{}, ErrNeutralHasNoSettlement
	default:
		return Resolution{}, fmt.Errorf("%w: %d", ErrUnknownOutcome, outcome)
	}
	if settlementAmount < 0 || principal < 0 {
		return Resolution{}, ErrNegativeSettlement
	}
	if surplusTreasuryBps < 0 || surplusTreasuryBps > fpmath.BpsDenominator {
		return Resolution{}, fmt.Errorf("%w: %d", ErrInvalidBps, surplusTreasuryBps)
	}

	r := Resolution{
		Outcome:          outcome,
		SettlementAmount: settlementAmount,
		Principal:        principal,
		Repay:            fpmath.Min(settlementAmount, principal),
		Shortfall:        fpmath.Max(0, principal-settlementAmount),
		Surplus:          fpmath.Max(0, settlementAmount-principal),
	}

	if r.Surplus == 0 {
		return r, nil
	}

	if outcome == OutcomeProfit {
		r.SurplusBorrower = r.Surplus
		return r, nil
	}

	treasury, err := fpmath.ApplyBps(r.Surplus, surplusTreasuryBps)
	if err != nil {
		return Resolution{}, fmt.Errorf("surplus split: %w", err)
	}
	r.SurplusTreasury = treasury
	r.SurplusPool = r.Surplus - treasury
	return r, nil
}
