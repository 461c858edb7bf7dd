package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// WalletBalance is the net amount of an asset that has flowed to owner.
func (bt *BalanceTracker) WalletBalance(owner common.Address, assetID AssetID) int64 {
	return bt.GetBalance(NewWalletKey(owner, assetID))
}

// PoolLiquidity returns the token balance held by the lending pool.
func (bt *BalanceTracker) PoolLiquidity(assetID AssetID) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypePoolLiquidity, assetID))
}

// Treasury returns the protocol treasury balance.
func (bt *BalanceTracker) Treasury(assetID AssetID) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeTreasury, assetID))
}

// CustodyBalance returns what a shared custody account holds of one asset.
func (bt *BalanceTracker) CustodyBalance(custodyAccountID uint64, assetID AssetID) int64 {
	return bt.GetBalance(NewCustodyAccountKey(custodyAccountID, assetID))
}

// ValidateSufficient checks that an account can fund a debit of required.
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required int64) error {
	have := bt.GetBalance(key)
	if have < required {
		return fmt.Errorf("insufficient balance in %s: have=%d, need=%d", key.AccountPath(), have, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances, used when loading a snapshot.
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}
