package custody

import (
	"fmt"
	"sort"

	"CollarLedger/internal/ledger"
)

// OptionType is put or call.
type OptionType uint8

const (
	OptionPut OptionType = iota + 1
	OptionCall
)

func (t OptionType) String() string {
	switch t {
	case OptionPut:
		return "put"
	case OptionCall:
		return "call"
	default:
		return "unknown"
	}
}

// Position is an open option leg held by a custody account for one loan.
type Position struct {
	LoanID uint64         `json:"loanId"`
	Type   OptionType     `json:"type"`
	Short  bool           `json:"short"`
	Asset  ledger.AssetID `json:"asset"`
	Size   int64          `json:"size"`
	Strike int64          `json:"strike"`
	Expiry int64          `json:"expiry"`
}

// Account is a shared custody account. Many loans route collateral and
// option legs through one account, so coverage is an aggregate property.
type Account struct {
	ID        uint64                   `json:"id"`
	Base      map[ledger.AssetID]int64 `json:"base"`
	Cash      int64                    `json:"cash"`
	Positions []Position               `json:"positions"`
}

func newAccount(id uint64) *Account {
	return &Account{ID: id, Base: make(map[ledger.AssetID]int64)}
}

// Stats are the aggregate figures for one base asset, derived on demand.
type Stats struct {
	BaseAssetBalance  int64 `json:"baseAssetBalance"`
	ShortCallExposure int64 `json:"shortCallExposure"`
	CashBalance       int64 `json:"cashBalance"`
}

func (a *Account) Stats(asset ledger.AssetID) Stats {
	s := Stats{BaseAssetBalance: a.Base[asset], CashBalance: a.Cash}
	for _, p := range a.Positions {
		if p.Asset == asset && p.Type == OptionCall && p.Short {
			s.ShortCallExposure += p.Size
		}
	}
	return s
}

func (a *Account) clone() *Account {
	c := &Account{
		ID:        a.ID,
		Base:      make(map[ledger.AssetID]int64, len(a.Base)),
		Cash:      a.Cash,
		Positions: append([]Position(nil), a.Positions...),
	}
	for k, v := range a.Base {
		c.Base[k] = v
	}
	return c
}

// apply performs an already-checked action.
func (a *Account) apply(act Action) {
	switch act.Kind {
	case ActionDeposit:
		a.Base[act.Asset] += act.Amount
	case ActionWithdraw:
		a.Base[act.Asset] -= act.Amount
	case ActionTrade:
		if act.CloseLoan {
			kept := a.Positions[:0]
			for _, p := range a.Positions {
				if p.LoanID != act.LoanID {
					kept = append(kept, p)
				}
			}
			a.Positions = kept
		}
		a.Base[act.Asset] -= act.Amount
		a.Cash += act.CashDelta
		a.Positions = append(a.Positions, act.Open...)
	case ActionTransfer:
		a.Cash -= act.Amount
	default:
		panic(fmt.Sprintf("FATAL: unknown custody action kind %d", act.Kind))
	}
}

// check simulates acts in order and verifies the aggregate invariants on the
// result: no base balance below zero, every base asset covers its short
// calls, and cash stays at or above minCash. The live figures are read at
// call time.
func (a *Account) check(minCash int64, acts ...Action) error {
	next := a.clone()
	for _, act := range acts {
		next.apply(act)
	}

	assets := make(map[ledger.AssetID]struct{})
	for asset := range next.Base {
		assets[asset] = struct{}{}
	}
	for _, p := range next.Positions {
		assets[p.Asset] = struct{}{}
	}
	ordered := make([]ledger.AssetID, 0, len(assets))
	for asset := range assets {
		ordered = append(ordered, asset)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, asset := range ordered {
		s := next.Stats(asset)
		if s.BaseAssetBalance < 0 {
			return fmt.Errorf("%w: account %d %s balance would be %d", ErrInsufficientCollateral, a.ID, asset, s.BaseAssetBalance)
		}
		if s.BaseAssetBalance < s.ShortCallExposure {
			return fmt.Errorf("%w: account %d %s base=%d short calls=%d",
				ErrCoverageBreached, a.ID, asset, s.BaseAssetBalance, s.ShortCallExposure)
		}
	}
	if next.Cash < minCash {
		return fmt.Errorf("%w: account %d cash would be %d, floor %d", ErrCashFloorBreached, a.ID, next.Cash, minCash)
	}
	return nil
}

// OpenPositions returns the legs held for loanID.
func (a *Account) OpenPositions(loanID uint64) []Position {
	var out []Position
	for _, p := range a.Positions {
		if p.LoanID == loanID {
			out = append(out, p)
		}
	}
	return out
}
