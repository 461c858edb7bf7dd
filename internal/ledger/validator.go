package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateProtocolAccountsNonNegative checks that the pool and treasury never
// go below zero for any asset they have touched.
func (v *InvariantValidator) ValidateProtocolAccountsNonNegative() error {
	for key, balance := range v.tracker.balances {
		if key.Scope != AccountScopeSystem && key.Scope != AccountScopeCustody {
			continue
		}
		if balance < 0 {
			return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
		}
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", assetID, total)
		}
	}

	return nil
}
