package settlement

import (
	"fmt"

	"CollarLedger/internal/fault"
	fpmath "CollarLedger/internal/math"

	"github.com/holiman/uint256"
)

var (
	ErrInvalidFeeInput = fault.Validation("fee: invalid input")
	ErrFeeOverflow     = fault.Validation("fee: arithmetic overflow")
)

// FeePolicy computes and splits the origination fee. The timing of
// collection is owned by the caller; this only does the arithmetic.
type FeePolicy interface {
	OriginationFee(principal int64, rateWad uint64, durationSeconds int64) (int64, error)
	Split(fee int64) (pool, treasury int64, err error)
}

// OriginationFeePolicy charges principal × rate × duration / 365d at
// origination, floored, and sends TreasuryShareBps of it to the treasury.
type OriginationFeePolicy struct {
	TreasuryShareBps int64
}

var yearWad = new(uint256.Int).Mul(uint256.NewInt(uint64(fpmath.SecondsPerYear)), fpmath.Wad)

func (p OriginationFeePolicy) OriginationFee(principal int64, rateWad uint64, durationSeconds int64) (int64, error) {
	if principal < 0 || durationSeconds < 0 {
		return 0, fmt.Errorf("%w: principal=%d duration=%d", ErrInvalidFeeInput, principal, durationSeconds)
	}
	fee, err := fpmath.MulMulDiv(principal, uint256.NewInt(rateWad), durationSeconds, yearWad, fpmath.RoundDown)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFeeOverflow, err)
	}
	return fee, nil
}

func (p OriginationFeePolicy) Split(fee int64) (int64, int64, error) {
	if p.TreasuryShareBps < 0 || p.TreasuryShareBps > fpmath.BpsDenominator {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidBps, p.TreasuryShareBps)
	}
	treasury, err := fpmath.ApplyBps(fee, p.TreasuryShareBps)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidFeeInput, err)
	}
	return fee - treasury, treasury, nil
}
