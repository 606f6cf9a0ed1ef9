package domain

import (
	"testing"

	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCalculateFreezeTenThousandRub(t *testing.T) {
	q, err := CalculateFreeze(dec("10000"), dec("100"), dec("2"), dec("1.5"))
	require.NoError(t, err)

	assert.True(t, q.AdjustedRate.Equal(dec("98")), q.AdjustedRate.String())
	assert.True(t, q.Frozen.Equal(dec("102.05")), q.Frozen.String())
	assert.True(t, q.Commission.Equal(dec("1.5")), q.Commission.String())
	assert.True(t, q.Total.Equal(dec("103.55")), q.Total.String())
}

func TestCalculateFreezeValidation(t *testing.T) {
	cases := []struct {
		name    string
		amount  string
		rate    string
		kkk     string
		fee     string
		wantErr error
	}{
		{name: "zero_amount", amount: "0", rate: "100", kkk: "0", fee: "0", wantErr: ErrInvalidAmount},
		{name: "negative_rate", amount: "10", rate: "-1", kkk: "0", fee: "0", wantErr: ErrInvalidRate},
		{name: "kkk_hundred", amount: "10", rate: "100", kkk: "100", fee: "0"},
		{name: "negative_fee", amount: "10", rate: "100", kkk: "0", fee: "-1"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := CalculateFreeze(dec(tc.amount), dec(tc.rate), dec(tc.kkk), dec(tc.fee))
			require.Error(t, err)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestCalculateFreezeZeroFee(t *testing.T) {
	q, err := CalculateFreeze(dec("9500"), dec("100"), dec("5"), dec("0"))
	require.NoError(t, err)
	assert.True(t, q.Frozen.Equal(dec("100")), q.Frozen.String())
	assert.True(t, q.Commission.IsZero())
}

func TestBalanceConservation(t *testing.T) {
	q, err := CalculateFreeze(dec("10000"), dec("100"), dec("2"), dec("1.5"))
	require.NoError(t, err)

	start := models.Trader{ID: uuid.New(), TrustBalance: dec("1000")}
	before := start.TrustBalance.Add(start.FrozenUsdt)

	frozen, err := FreezeDelta(q.Total).Apply(start)
	require.NoError(t, err)
	assert.True(t, frozen.TrustBalance.Equal(dec("896.45")))
	assert.True(t, frozen.FrozenUsdt.Equal(dec("103.55")))

	t.Run("settle", func(t *testing.T) {
		settled, err := SettleDelta(q.Frozen, q.Commission).Apply(frozen)
		require.NoError(t, err)
		assert.True(t, settled.TrustBalance.Equal(dec("998.5")), settled.TrustBalance.String())
		assert.True(t, settled.FrozenUsdt.IsZero())
		after := settled.TrustBalance.Add(settled.FrozenUsdt).Add(settled.ProfitFromDeals)
		assert.True(t, after.Equal(before))
	})

	t.Run("unfreeze", func(t *testing.T) {
		released, err := UnfreezeDelta(q.Frozen, q.Commission).Apply(frozen)
		require.NoError(t, err)
		assert.True(t, released.TrustBalance.Equal(dec("1000")))
		assert.True(t, released.FrozenUsdt.IsZero())
		assert.True(t, released.ProfitFromDeals.IsZero())
	})
}

func TestSettleBooksRoundedUpCommission(t *testing.T) {
	// 1234/97*1.3% = 0.1653..., truncation would book 0.16
	q, err := CalculateFreeze(dec("1234"), dec("97"), dec("0"), dec("1.3"))
	require.NoError(t, err)
	require.True(t, q.Frozen.Equal(dec("12.73")), q.Frozen.String())
	require.True(t, q.Commission.Equal(dec("0.17")), q.Commission.String())

	frozen, err := FreezeDelta(q.Total).Apply(models.Trader{ID: uuid.New(), TrustBalance: dec("20")})
	require.NoError(t, err)
	settled, err := SettleDelta(q.Frozen, q.Commission).Apply(frozen)
	require.NoError(t, err)

	assert.True(t, settled.ProfitFromDeals.Equal(dec("0.17")), settled.ProfitFromDeals.String())
	assert.True(t, settled.FrozenUsdt.IsZero(), settled.FrozenUsdt.String())
	assert.True(t, settled.TrustBalance.Equal(dec("19.83")), settled.TrustBalance.String())
}

func TestBalanceDeltaRejectsNegative(t *testing.T) {
	trader := models.Trader{ID: uuid.New(), TrustBalance: dec("10")}

	got, err := FreezeDelta(dec("10.01")).Apply(trader)
	require.ErrorIs(t, err, ErrBalanceInvariant)
	assert.True(t, got.TrustBalance.Equal(dec("10")))

	_, err = UnfreezeDelta(dec("1"), dec("0")).Apply(trader)
	require.ErrorIs(t, err, ErrBalanceInvariant)
}

func TestPayoutDeltas(t *testing.T) {
	trader := models.Trader{ID: uuid.New(), PayoutBalance: dec("500")}

	assigned, err := AssignPayoutDelta(dec("200")).Apply(trader)
	require.NoError(t, err)
	assert.True(t, assigned.PayoutBalance.Equal(dec("300")))
	assert.True(t, assigned.FrozenPayoutBalance.Equal(dec("200")))

	released, err := ReleasePayoutDelta(dec("200")).Apply(assigned)
	require.NoError(t, err)
	assert.True(t, released.PayoutBalance.Equal(dec("500")))
	assert.True(t, released.FrozenPayoutBalance.IsZero())

	completed, err := CompletePayoutDelta(dec("200"), dec("3")).Apply(assigned)
	require.NoError(t, err)
	assert.True(t, completed.FrozenPayoutBalance.IsZero())
	assert.True(t, completed.ProfitFromPayouts.Equal(dec("3")))
}
