package custody

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"CollarLedger/internal/ledger"
)

func TestAccountCheck_CoverageIsAggregate(t *testing.T) {
	acct := newAccount(1)
	acct.apply(Action{Kind: ActionDeposit, Asset: ledger.AssetWBTC, Amount: 150})
	acct.apply(Action{Kind: ActionTrade, LoanID: 9, Asset: ledger.AssetWBTC, Open: []Position{
		{LoanID: 9, Type: OptionCall, Short: true, Asset: ledger.AssetWBTC, Size: 100},
	}})

	// 50 is free; the other 100 backs loan 9's short call.
	if err := acct.check(0, Action{Kind: ActionWithdraw, Asset: ledger.AssetWBTC, Amount: 50}); err != nil {
		t.Fatalf("withdrawing free collateral: %v", err)
	}
	err := acct.check(0, Action{Kind: ActionWithdraw, Asset: ledger.AssetWBTC, Amount: 51})
	if !errors.Is(err, ErrCoverageBreached) {
		t.Fatalf("expected ErrCoverageBreached, got %v", err)
	}
	err = acct.check(0, Action{Kind: ActionWithdraw, Asset: ledger.AssetWBTC, Amount: 151})
	if !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}

	// Expiring the loan frees its collateral.
	closeAndWithdraw := []Action{
		{Kind: ActionTrade, LoanID: 9, Asset: ledger.AssetWBTC, CloseLoan: true},
		{Kind: ActionWithdraw, Asset: ledger.AssetWBTC, Amount: 150},
	}
	if err := acct.check(0, closeAndWithdraw...); err != nil {
		t.Fatalf("close then withdraw: %v", err)
	}
}

func TestAccountCheck_CashFloor(t *testing.T) {
	acct := newAccount(1)
	acct.apply(Action{Kind: ActionTrade, Asset: ledger.AssetWBTC, CashDelta: 100})

	if err := acct.check(-20, Action{Kind: ActionTransfer, Amount: 120}); err != nil {
		t.Fatalf("transfer down to the floor: %v", err)
	}
	err := acct.check(-20, Action{Kind: ActionTransfer, Amount: 121})
	if !errors.Is(err, ErrCashFloorBreached) {
		t.Fatalf("expected ErrCashFloorBreached, got %v", err)
	}
}

func TestAccountCheck_DoesNotMutate(t *testing.T) {
	acct := newAccount(1)
	acct.apply(Action{Kind: ActionDeposit, Asset: ledger.AssetWBTC, Amount: 10})
	before := acct.clone()

	_ = acct.check(0,
		Action{Kind: ActionTrade, LoanID: 1, Asset: ledger.AssetWBTC, Amount: 10, CashDelta: 5, CloseLoan: true},
		Action{Kind: ActionTransfer, Amount: 5},
	)
	if !reflect.DeepEqual(before, acct.clone()) {
		t.Fatalf("check mutated the account: %+v -> %+v", before, acct)
	}
}

func TestAccountApply_UnknownKindPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	newAccount(1).apply(Action{Kind: ActionKind(99)})
}

// Any sequence of actions that each pass check leaves every asset covered
// and cash above the floor.
func TestAccountCheck_RandomSequencesKeepCoverage(t *testing.T) {
	const minCash = -1_000
	assets := []ledger.AssetID{ledger.AssetWBTC, ledger.AssetWETH}
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 200; run++ {
		acct := newAccount(1)
		var nextLoan uint64

		for step := 0; step < 60; step++ {
			asset := assets[rng.Intn(len(assets))]
			amount := rng.Int63n(500)
			var act Action
			switch rng.Intn(4) {
			case 0:
				act = Action{Kind: ActionDeposit, Asset: asset, Amount: amount}
			case 1:
				act = Action{Kind: ActionWithdraw, Asset: asset, Amount: amount}
			case 2:
				if rng.Intn(2) == 0 && nextLoan > 0 {
					act = Action{
						Kind:      ActionTrade,
						LoanID:    uint64(rng.Int63n(int64(nextLoan))) + 1,
						Asset:     asset,
						Amount:    rng.Int63n(100),
						CashDelta: rng.Int63n(2_000),
						CloseLoan: true,
					}
				} else {
					nextLoan++
					act = Action{Kind: ActionTrade, LoanID: nextLoan, Asset: asset, Open: []Position{
						{LoanID: nextLoan, Type: OptionPut, Asset: asset, Size: amount},
						{LoanID: nextLoan, Type: OptionCall, Short: true, Asset: asset, Size: amount},
					}}
				}
			case 3:
				act = Action{Kind: ActionTransfer, Amount: amount * 3}
			}

			before := acct.clone()
			if err := acct.check(minCash, act); err != nil {
				if !reflect.DeepEqual(before, acct.clone()) {
					t.Fatalf("run %d step %d: rejected check mutated state", run, step)
				}
				continue
			}
			acct.apply(act)

			for _, a := range assets {
				s := acct.Stats(a)
				if s.BaseAssetBalance < 0 || s.BaseAssetBalance < s.ShortCallExposure {
					t.Fatalf("run %d step %d: %s uncovered: %+v", run, step, a, s)
				}
			}
			if acct.Cash < minCash {
				t.Fatalf("run %d step %d: cash %d below floor", run, step, acct.Cash)
			}
		}
	}
}
