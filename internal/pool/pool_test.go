package pool_test

import (
	"errors"
	"testing"

	"CollarLedger/internal/fault"
	"CollarLedger/internal/pool"
)

func TestPool_BorrowRepayWriteOff(t *testing.T) {
	p := pool.New()
	if err := p.Supply(100); err != nil {
		t.Fatal(err)
	}
	if err := p.Borrow(80); err != nil {
		t.Fatal(err)
	}
	if err := p.Repay(60); err != nil {
		t.Fatal(err)
	}
	if err := p.WriteOff(20); err != nil {
		t.Fatal(err)
	}

	s := p.State()
	if s.Liquidity != 80 || s.Outstanding != 0 || s.WrittenOff != 20 {
		t.Fatalf("unexpected state %+v", s)
	}
	if s.TotalAssets() != 80 {
		t.Errorf("total assets = %d, want 80", s.TotalAssets())
	}
}

func TestPool_BorrowBeyondLiquidityIsRetryable(t *testing.T) {
	p := pool.New()
	_ = p.Supply(10)
	err := p.Borrow(11)
	if !errors.Is(err, pool.ErrInsufficientLiquidity) || !fault.IsRetryable(err) {
		t.Fatalf("expected retryable ErrInsufficientLiquidity, got %v", err)
	}
	if p.State().Liquidity != 10 {
		t.Fatal("failed borrow must not change liquidity")
	}
}

func TestPool_OverRepayIsInvariant(t *testing.T) {
	p := pool.New()
	_ = p.Supply(10)
	_ = p.Borrow(5)

	if err := p.Repay(6); !errors.Is(err, pool.ErrOverRepay) {
		t.Fatalf("expected ErrOverRepay, got %v", err)
	}
	if err := p.WriteOff(6); !errors.Is(err, pool.ErrOverWriteOff) {
		t.Fatalf("expected ErrOverWriteOff, got %v", err)
	}
	if err := p.CanRepay(3, 3); !errors.Is(err, pool.ErrOverWriteOff) {
		t.Fatalf("combined check: got %v", err)
	}
}

func TestPool_AccrueIncome(t *testing.T) {
	p := pool.New()
	_ = p.AccrueIncome(7)
	if s := p.State(); s.Liquidity != 7 || s.Income != 7 {
		t.Fatalf("unexpected state %+v", s)
	}
}
