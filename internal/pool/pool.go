package pool

import (
	"fmt"

	"CollarLedger/internal/fault"
)

var (
	ErrInvalidAmount         = fault.Validation("pool: amount must be positive")
	ErrInsufficientLiquidity = fault.Retryable("pool: insufficient liquidity")
	ErrOverRepay             = fault.Invariant("pool: repayment exceeds outstanding principal")
	ErrOverWriteOff          = fault.Invariant("pool: write-off exceeds outstanding principal")
)

// State is a copyable view of the pool figures.
type State struct {
	Liquidity   int64 `json:"liquidity"`   // cash available to lend
	Outstanding int64 `json:"outstanding"` // principal currently lent out
	WrittenOff  int64 `json:"writtenOff"`  // cumulative socialized loss
	Income      int64 `json:"income"`      // cumulative fee and surplus income
}

// TotalAssets is what lenders' shares are backed by.
func (s State) TotalAssets() int64 {
	return s.Liquidity + s.Outstanding
}

// Pool is the fixed-rate lender pool. It only tracks figures; token
// movement is journaled by the caller. Not thread-safe: owned by the
// settlement core.
type Pool struct {
	s State
}

func New() *Pool {
	return &Pool{}
}

func (p *Pool) State() State { return p.s }

func (p *Pool) Restore(s State) { p.s = s }

// Supply adds lender capital.
func (p *Pool) Supply(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	p.s.Liquidity += amount
	return nil
}

// CanBorrow reports whether Borrow(amount) would succeed.
func (p *Pool) CanBorrow(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if amount > p.s.Liquidity {
		return fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientLiquidity, p.s.Liquidity, amount)
	}
	return nil
}

func (p *Pool) Borrow(amount int64) error {
	if err := p.CanBorrow(amount); err != nil {
		return err
	}
	p.s.Liquidity -= amount
	p.s.Outstanding += amount
	return nil
}

// CanRepay reports whether repay and writeOff of one loan would succeed together.
func (p *Pool) CanRepay(repay, writeOff int64) error {
	if repay < 0 || writeOff < 0 {
		return ErrInvalidAmount
	}
	if repay+writeOff > p.s.Outstanding {
		if writeOff == 0 {
			return fmt.Errorf("%w: outstanding=%d, repay=%d", ErrOverRepay, p.s.Outstanding, repay)
		}
		return fmt.Errorf("%w: outstanding=%d, repay=%d, write-off=%d", ErrOverWriteOff, p.s.Outstanding, repay, writeOff)
	}
	return nil
}

func (p *Pool) Repay(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := p.CanRepay(amount, 0); err != nil {
		return err
	}
	p.s.Outstanding -= amount
	p.s.Liquidity += amount
	return nil
}

// WriteOff removes unrecoverable principal; lenders absorb the loss.
func (p *Pool) WriteOff(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if amount > p.s.Outstanding {
		return fmt.Errorf("%w: outstanding=%d, write-off=%d", ErrOverWriteOff, p.s.Outstanding, amount)
	}
	p.s.Outstanding -= amount
	p.s.WrittenOff += amount
	return nil
}

// AccrueIncome records fee or surplus cash retained by the pool.
func (p *Pool) AccrueIncome(amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	p.s.Liquidity += amount
	p.s.Income += amount
	return nil
}
