package state_test

import (
	"testing"

	"CollarLedger/internal/state"
)

func TestLoanState_Transitions(t *testing.T) {
	tests := []struct {
		from, to state.LoanState
		ok       bool
	}{
		{state.LoanStateNone, state.LoanStateActiveFixed, true},
		{state.LoanStateNone, state.LoanStateClosed, false},
		{state.LoanStateNone, state.LoanStateActiveVariable, false},
		{state.LoanStateActiveFixed, state.LoanStateClosed, true},
		{state.LoanStateActiveFixed, state.LoanStateActiveVariable, true},
		{state.LoanStateActiveVariable, state.LoanStateClosed, true},
		{state.LoanStateActiveVariable, state.LoanStateActiveFixed, false},
		{state.LoanStateClosed, state.LoanStateActiveFixed, false},
		{state.LoanStateClosed, state.LoanStateClosed, false},
	}
	for _, tc := range tests {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestLoanBook_IDsAreMonotonic(t *testing.T) {
	b := state.NewLoanBook()
	a, c := b.AssignLoanID(), b.AssignLoanID()
	if a != 1 || c != 2 {
		t.Fatalf("got ids %d, %d", a, c)
	}

	restored := state.NewLoanBook()
	restored.Restore(b.Snapshot())
	if next := restored.AssignLoanID(); next != 3 {
		t.Fatalf("restored book reused an id: %d", next)
	}
}

func TestLoanBook_ResolutionIsSingle(t *testing.T) {
	b := state.NewLoanBook()
	if err := b.Resolve(1, state.ResolutionReturned); err != nil {
		t.Fatal(err)
	}
	if err := b.Resolve(1, state.ResolutionTraded); err == nil {
		t.Fatal("second resolution must fail")
	}
	if err := b.AddPending(&state.PendingDeposit{LoanID: 1}); err == nil {
		t.Fatal("resolved loan must not get a new pending deposit")
	}
}

func TestLoanBook_TransitionGuards(t *testing.T) {
	b := state.NewLoanBook()
	if err := b.Open(&state.Loan{LoanID: 1, State: state.LoanStateActiveFixed}); err != nil {
		t.Fatal(err)
	}
	if err := b.Transition(1, state.LoanStateClosed); err != nil {
		t.Fatal(err)
	}
	if err := b.Transition(1, state.LoanStateActiveVariable); err == nil {
		t.Fatal("CLOSED must be terminal")
	}
	if err := b.Open(&state.Loan{LoanID: 2, State: state.LoanStateClosed}); err == nil {
		t.Fatal("a loan must open in ACTIVE_FIXED")
	}
}
