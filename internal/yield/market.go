package yield

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"CollarLedger/internal/ledger"
	fpmath "CollarLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Price is the value of one whole unit of an asset in settlement-stable base units.
type Price struct {
	Value    int64 `json:"value"`
	Decimals uint8 `json:"decimals"`
}

// AccountState is one borrower's position in the market.
type AccountState struct {
	Collateral map[ledger.AssetID]int64 `json:"collateral"`
	Debt       map[ledger.AssetID]int64 `json:"debt"`
}

// MarketState is the serializable state of a Market. Prices are deployment
// parameters like the LTV limit and are not part of it.
type MarketState struct {
	Accounts map[common.Address]AccountState `json:"accounts"`
}

// Market is an in-process yield market with a single loan-to-value limit.
// It is deterministic so it can live inside the replayed settlement state.
type Market struct {
	mu       sync.Mutex
	maxLTV   int64 // bps
	prices   map[ledger.AssetID]Price
	accounts map[common.Address]*AccountState
}

func NewMarket(maxLTVBps int64) *Market {
	return &Market{
		maxLTV:   maxLTVBps,
		prices:   make(map[ledger.AssetID]Price),
		accounts: make(map[common.Address]*AccountState),
	}
}

func (m *Market) SetPrice(asset ledger.AssetID, p Price) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[asset] = p
}

func (m *Market) account(addr common.Address) *AccountState {
	a, ok := m.accounts[addr]
	if !ok {
		a = &AccountState{
			Collateral: make(map[ledger.AssetID]int64),
			Debt:       make(map[ledger.AssetID]int64),
		}
		m.accounts[addr] = a
	}
	return a
}

func (m *Market) DepositCollateral(_ context.Context, asset ledger.AssetID, amount int64, onBehalfOf common.Address) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(onBehalfOf).Collateral[asset] += amount
	return nil
}

func (m *Market) WithdrawCollateral(_ context.Context, asset ledger.AssetID, amount int64, onBehalfOf, _ common.Address) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.account(onBehalfOf)
	if a.Collateral[asset] < amount {
		return fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientBalance, a.Collateral[asset], amount)
	}
	a.Collateral[asset] -= amount
	if err := m.checkHealth(a); err != nil {
		a.Collateral[asset] += amount
		return fmt.Errorf("%w: %v", ErrWithdrawWouldBreach, err)
	}
	return nil
}

func (m *Market) Borrow(_ context.Context, asset ledger.AssetID, amount int64, onBehalfOf, _ common.Address) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.account(onBehalfOf)
	a.Debt[asset] += amount
	if err := m.checkHealth(a); err != nil {
		a.Debt[asset] -= amount
		return err
	}
	return nil
}

func (m *Market) Repay(_ context.Context, asset ledger.AssetID, amount int64, onBehalfOf common.Address) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.account(onBehalfOf)
	if amount > a.Debt[asset] {
		return fmt.Errorf("%w: debt=%d, repay=%d", ErrRepayExceedsDebt, a.Debt[asset], amount)
	}
	a.Debt[asset] -= amount
	return nil
}

// checkHealth requires debt value ≤ collateral value × maxLTV.
func (m *Market) checkHealth(a *AccountState) error {
	debt, err := m.value(a.Debt)
	if err != nil {
		return err
	}
	if debt == 0 {
		return nil
	}
	collateral, err := m.value(a.Collateral)
	if err != nil {
		return err
	}
	limit, err := fpmath.ApplyBps(collateral, m.maxLTV)
	if err != nil {
		return err
	}
	if debt > limit {
		return fmt.Errorf("%w: debt=%d, limit=%d", ErrBorrowLimitExceeded, debt, limit)
	}
	return nil
}

func (m *Market) value(amounts map[ledger.AssetID]int64) (int64, error) {
	var total int64
	for asset, amt := range amounts {
		if amt == 0 {
			continue
		}
		p, ok := m.prices[asset]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnpricedAsset, asset)
		}
		v, err := fpmath.MulDiv(amt, p.Value, pow10(p.Decimals), fpmath.RoundDown)
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

func pow10(d uint8) int64 {
	v := int64(1)
	for i := uint8(0); i < d; i++ {
		v *= 10
	}
	return v
}

// Position returns a copy of an account's collateral and debt.
func (m *Market) Position(addr common.Address, asset ledger.AssetID) (collateral, debt int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[addr]
	if !ok {
		return 0, 0
	}
	return a.Collateral[asset], a.Debt[asset]
}

func (m *Market) State() MarketState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := MarketState{Accounts: make(map[common.Address]AccountState, len(m.accounts))}
	addrs := make([]common.Address, 0, len(m.accounts))
	for addr := range m.accounts {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Hex() < addrs[j].Hex() })
	for _, addr := range addrs {
		a := m.accounts[addr]
		cp := AccountState{
			Collateral: make(map[ledger.AssetID]int64, len(a.Collateral)),
			Debt:       make(map[ledger.AssetID]int64, len(a.Debt)),
		}
		for k, v := range a.Collateral {
			cp.Collateral[k] = v
		}
		for k, v := range a.Debt {
			cp.Debt[k] = v
		}
		st.Accounts[addr] = cp
	}
	return st
}

// Restore replaces the accounts. Configured prices are kept.
func (m *Market) Restore(st MarketState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts = make(map[common.Address]*AccountState, len(st.Accounts))
	for addr, a := range st.Accounts {
		acc := m.account(addr)
		for k, v := range a.Collateral {
			acc.Collateral[k] = v
		}
		for k, v := range a.Debt {
			acc.Debt[k] = v
		}
	}
}
