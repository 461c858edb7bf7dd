package math

import (
	"errors"

	"github.com/holiman/uint256"
)

const (
	// BpsDenominator is 100% in basis points.
	BpsDenominator int64 = 10_000

	// SecondsPerYear is the 365-day year used for annualized rates.
	SecondsPerYear int64 = 365 * 24 * 60 * 60
)

// Wad is 1e18, the scale of annualized rates (1 Wad = 100% per year).
var Wad = uint256.NewInt(1_000_000_000_000_000_000)

var (
	ErrNegativeOperand = errors.New("math: negative operand")
	ErrDivideByZero    = errors.New("math: divide by zero")
	ErrOverflow        = errors.New("math: result does not fit in int64")
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

func toU256(v int64) (*uint256.Int, error) {
	if v < 0 {
		return nil, ErrNegativeOperand
	}
	return uint256.NewInt(uint64(v)), nil
}

func fromU256(v *uint256.Int) (int64, error) {
	if !v.IsUint64() || v.Uint64() > 1<<63-1 {
		return 0, ErrOverflow
	}
	return int64(v.Uint64()), nil
}

// MulDiv computes a * b / d over 256-bit intermediates.
func MulDiv(a, b, d int64, mode RoundingMode) (int64, error) {
	ua, err := toU256(a)
	if err != nil {
		return 0, err
	}
	ub, err := toU256(b)
	if err != nil {
		return 0, err
	}
	ud, err := toU256(d)
	if err != nil {
		return 0, err
	}
	return mulDiv(new(uint256.Int).Mul(ua, ub), ud, mode)
}

// MulMulDiv computes a * b * c / d where b is already a 256-bit value (a Wad rate).
func MulMulDiv(a int64, b *uint256.Int, c int64, d *uint256.Int, mode RoundingMode) (int64, error) {
	ua, err := toU256(a)
	if err != nil {
		return 0, err
	}
	uc, err := toU256(c)
	if err != nil {
		return 0, err
	}
	num, overflow := new(uint256.Int).MulOverflow(ua, b)
	if overflow {
		return 0, ErrOverflow
	}
	num, overflow = new(uint256.Int).MulOverflow(num, uc)
	if overflow {
		return 0, ErrOverflow
	}
	return mulDiv(num, d, mode)
}

func mulDiv(num, d *uint256.Int, mode RoundingMode) (int64, error) {
	if d.IsZero() {
		return 0, ErrDivideByZero
	}
	quo, rem := new(uint256.Int), new(uint256.Int)
	quo.DivMod(num, d, rem)
	if mode == RoundUp && !rem.IsZero() {
		quo.AddUint64(quo, 1)
	}
	return fromU256(quo)
}

// ApplyBps returns amount * bps / 10_000 rounded down.
func ApplyBps(amount, bps int64) (int64, error) {
	return MulDiv(amount, bps, BpsDenominator, RoundDown)
}

// Min and Max on int64 amounts.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
