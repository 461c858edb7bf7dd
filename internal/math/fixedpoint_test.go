package math_test

import (
	"errors"
	"testing"

	fpmath "CollarLedger/internal/math"

	"github.com/holiman/uint256"
)

func TestMulDiv_Rounding(t *testing.T) {
	tests := []struct {
		name string
		a, b int64
		d    int64
		mode fpmath.RoundingMode
		want int64
	}{
		{"exact", 10, 10, 4, fpmath.RoundDown, 25},
		{"floor", 7, 3, 2, fpmath.RoundDown, 10},
		{"ceil", 7, 3, 2, fpmath.RoundUp, 11},
		{"ceil exact stays", 10, 10, 4, fpmath.RoundUp, 25},
		{"zero", 0, 99, 7, fpmath.RoundDown, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(tc.a, tc.b, tc.d, tc.mode)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestMulDiv_IntermediateBeyondInt64(t *testing.T) {
	// 9e18 * 9e18 overflows int64 but the quotient fits
	got, err := fpmath.MulDiv(9_000_000_000_000_000_000/10, 9_000_000_000, 9_000_000_000, fpmath.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 900_000_000_000_000_000 {
		t.Errorf("got %d", got)
	}
}

func TestMulDiv_Errors(t *testing.T) {
	if _, err := fpmath.MulDiv(-1, 1, 1, fpmath.RoundDown); !errors.Is(err, fpmath.ErrNegativeOperand) {
		t.Errorf("expected ErrNegativeOperand, got %v", err)
	}
	if _, err := fpmath.MulDiv(1, 1, 0, fpmath.RoundDown); !errors.Is(err, fpmath.ErrDivideByZero) {
		t.Errorf("expected ErrDivideByZero, got %v", err)
	}
	if _, err := fpmath.MulDiv(1<<62, 1<<62, 1, fpmath.RoundDown); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestMulMulDiv_AnnualRate(t *testing.T) {
	// 20,000 USDC at 5% for a full year is 1,000 USDC
	rate := new(uint256.Int).Div(fpmath.Wad, uint256.NewInt(20))
	denom := new(uint256.Int).Mul(uint256.NewInt(uint64(fpmath.SecondsPerYear)), fpmath.Wad)

	got, err := fpmath.MulMulDiv(20_000_000_000, rate, fpmath.SecondsPerYear, denom, fpmath.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1_000_000_000 {
		t.Errorf("got %d, want 1000000000", got)
	}
}

func TestApplyBps(t *testing.T) {
	got, err := fpmath.ApplyBps(1_000_000, 2_500)
	if err != nil {
		t.Fatal(err)
	}
	if got != 250_000 {
		t.Errorf("got %d, want 250000", got)
	}
}
