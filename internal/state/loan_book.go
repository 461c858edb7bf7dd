package state

import (
	"fmt"
	"sort"
)

// LoanBook owns loans, pending deposits and their resolutions. Not
// thread-safe: accessed only from the single-threaded settlement core.
type LoanBook struct {
	nextLoanID  uint64
	loans       map[uint64]*Loan
	pending     map[uint64]*PendingDeposit
	resolutions map[uint64]Resolution
}

func NewLoanBook() *LoanBook {
	return &LoanBook{
		nextLoanID:  1,
		loans:       make(map[uint64]*Loan),
		pending:     make(map[uint64]*PendingDeposit),
		resolutions: make(map[uint64]Resolution),
	}
}

// PeekNextLoanID returns the id the next AssignLoanID will hand out.
func (b *LoanBook) PeekNextLoanID() uint64 {
	return b.nextLoanID
}

// AssignLoanID hands out ids monotonically; an id is never reused.
func (b *LoanBook) AssignLoanID() uint64 {
	id := b.nextLoanID
	b.nextLoanID++
	return id
}

func (b *LoanBook) AddPending(p *PendingDeposit) error {
	if _, ok := b.pending[p.LoanID]; ok {
		return fmt.Errorf("pending deposit for loan %d already exists", p.LoanID)
	}
	if b.resolutions[p.LoanID] != ResolutionNone {
		return fmt.Errorf("loan %d already resolved", p.LoanID)
	}
	b.pending[p.LoanID] = p
	return nil
}

func (b *LoanBook) Pending(loanID uint64) (*PendingDeposit, bool) {
	p, ok := b.pending[loanID]
	return p, ok
}

func (b *LoanBook) DeletePending(loanID uint64) {
	delete(b.pending, loanID)
}

func (b *LoanBook) Resolution(loanID uint64) Resolution {
	return b.resolutions[loanID]
}

// Resolve records the single terminal outcome of a pending deposit.
func (b *LoanBook) Resolve(loanID uint64, r Resolution) error {
	if existing := b.resolutions[loanID]; existing != ResolutionNone {
		return fmt.Errorf("loan %d already resolved as %s", loanID, existing)
	}
	b.resolutions[loanID] = r
	return nil
}

func (b *LoanBook) Loan(loanID uint64) (*Loan, bool) {
	l, ok := b.loans[loanID]
	return l, ok
}

// Open inserts a new loan in ACTIVE_FIXED.
func (b *LoanBook) Open(l *Loan) error {
	if _, ok := b.loans[l.LoanID]; ok {
		return fmt.Errorf("loan %d already exists", l.LoanID)
	}
	if !LoanStateNone.CanTransitionTo(l.State) {
		return fmt.Errorf("loan %d cannot open in state %s", l.LoanID, l.State)
	}
	b.loans[l.LoanID] = l
	return nil
}

// Transition moves a loan to next if the transition is legal.
func (b *LoanBook) Transition(loanID uint64, next LoanState) error {
	l, ok := b.loans[loanID]
	if !ok {
		return fmt.Errorf("loan %d not found", loanID)
	}
	if !l.State.CanTransitionTo(next) {
		return fmt.Errorf("loan %d: illegal transition %s -> %s", loanID, l.State, next)
	}
	l.State = next
	return nil
}

// Loans returns all loans sorted by id.
func (b *LoanBook) Loans() []*Loan {
	out := make([]*Loan, 0, len(b.loans))
	for _, l := range b.loans {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoanID < out[j].LoanID })
	return out
}

// PendingDeposits returns all pending deposits sorted by loan id.
func (b *LoanBook) PendingDeposits() []*PendingDeposit {
	out := make([]*PendingDeposit, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoanID < out[j].LoanID })
	return out
}

// BookSnapshot is the serializable form of a LoanBook.
type BookSnapshot struct {
	NextLoanID  uint64                `json:"nextLoanId"`
	Loans       []Loan                `json:"loans"`
	Pending     []PendingDeposit      `json:"pending"`
	Resolutions map[uint64]Resolution `json:"resolutions"`
}

func (b *LoanBook) Snapshot() BookSnapshot {
	snap := BookSnapshot{
		NextLoanID:  b.nextLoanID,
		Resolutions: make(map[uint64]Resolution, len(b.resolutions)),
	}
	for _, l := range b.Loans() {
		snap.Loans = append(snap.Loans, *l)
	}
	for _, p := range b.PendingDeposits() {
		snap.Pending = append(snap.Pending, *p)
	}
	for k, v := range b.resolutions {
		snap.Resolutions[k] = v
	}
	return snap
}

func (b *LoanBook) Restore(snap BookSnapshot) {
	b.nextLoanID = snap.NextLoanID
	if b.nextLoanID == 0 {
		b.nextLoanID = 1
	}
	b.loans = make(map[uint64]*Loan, len(snap.Loans))
	for i := range snap.Loans {
		l := snap.Loans[i]
		b.loans[l.LoanID] = &l
	}
	b.pending = make(map[uint64]*PendingDeposit, len(snap.Pending))
	for i := range snap.Pending {
		p := snap.Pending[i]
		b.pending[p.LoanID] = &p
	}
	b.resolutions = make(map[uint64]Resolution, len(snap.Resolutions))
	for k, v := range snap.Resolutions {
		b.resolutions[k] = v
	}
}
