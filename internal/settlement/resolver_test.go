package settlement_test

import (
	"testing"

	"CollarLedger/internal/settlement"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usd = int64(1_000_000)

func TestResolve_Underwater(t *testing.T) {
	r, err := settlement.Resolve(settlement.OutcomeUnderwater, 18_000*usd, 20_000*usd, 2_000)
	require.NoError(t, err)

	assert.Equal(t, 18_000*usd, r.Repay)
	assert.Equal(t, 2_000*usd, r.Shortfall)
	assert.Zero(t, r.Surplus)
	assert.Zero(t, r.SurplusBorrower)
}

func TestResolve_UnderwaterSurplusSplitsByBps(t *testing.T) {
	r, err := settlement.Resolve(settlement.OutcomeUnderwater, 21_000*usd, 20_000*usd, 2_000)
	require.NoError(t, err)

	assert.Equal(t, 20_000*usd, r.Repay)
	assert.Zero(t, r.Shortfall)
	assert.Equal(t, 1_000*usd, r.Surplus)
	assert.Equal(t, 200*usd, r.SurplusTreasury)
	assert.Equal(t, 800*usd, r.SurplusPool)
	assert.Zero(t, r.SurplusBorrower)
}

func TestResolve_ProfitSurplusAllToBorrower(t *testing.T) {
	r, err := settlement.Resolve(settlement.OutcomeProfit, 26_000*usd, 20_000*usd, 2_000)
	require.NoError(t, err)

	assert.Equal(t, 20_000*usd, r.Repay)
	assert.Zero(t, r.Shortfall)
	assert.Equal(t, 6_000*usd, r.SurplusBorrower)
	assert.Zero(t, r.SurplusTreasury)
	assert.Zero(t, r.SurplusPool)
}

func TestResolve_AmountsConserve(t *testing.T) {
	cases := []struct {
		outcome     settlement.Outcome
		amount, prn int64
	}{
		{settlement.OutcomeUnderwater, 0, 100},
		{settlement.OutcomeUnderwater, 101, 100},
		{settlement.OutcomeUnderwater, 12_345_679, 10_000_000},
		{settlement.OutcomeProfit, 100, 100},
		{settlement.OutcomeProfit, 99, 100},
	}
	for _, c := range cases {
		r, err := settlement.Resolve(c.outcome, c.amount, c.prn, 3_333)
		require.NoError(t, err)
		paid := r.Repay + r.SurplusPool + r.SurplusTreasury + r.SurplusBorrower
		assert.Equal(t, c.amount, paid, "payout must equal settlement amount for %+v", c)
		assert.Equal(t, c.prn, r.Repay+r.Shortfall, "repay plus shortfall must equal principal for %+v", c)
	}
}

func TestResolve_NeutralRejected(t *testing.T) {
	_, err := settlement.Resolve(settlement.OutcomeNeutral, 1, 1, 0)
	assert.ErrorIs(t, err, settlement.ErrNeutralHasNoSettlement)
}

func TestResolve_BadInputs(t *testing.T) {
	_, err := settlement.Resolve(settlement.OutcomeUnknown, 1, 1, 0)
	assert.ErrorIs(t, err, settlement.ErrUnknownOutcome)

	_, err = settlement.Resolve(settlement.OutcomeProfit, -1, 1, 0)
	assert.ErrorIs(t, err, settlement.ErrNegativeSettlement)

	_, err = settlement.Resolve(settlement.OutcomeProfit, 1, 1, 10_001)
	assert.ErrorIs(t, err, settlement.ErrInvalidBps)
}
