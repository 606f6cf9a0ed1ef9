package domain

import (
	"fmt"

	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/shopspring/decimal"
)

// BalanceDelta is a signed change applied to a trader aggregate.
// Zero fields are left untouched.
type BalanceDelta struct {
	Trust             decimal.Decimal
	Frozen            decimal.Decimal
	Payout            decimal.Decimal
	FrozenPayout      decimal.Decimal
	ProfitFromDeals   decimal.Decimal
	ProfitFromPayouts decimal.Decimal
}

// FreezeDelta moves total from available trust balance into the frozen bucket.
func FreezeDelta(total decimal.Decimal) BalanceDelta {
	return BalanceDelta{Trust: total.Neg(), Frozen: total}
}

// SettleDelta releases a reservation on success: principal returns to trust,
// commission becomes realized profit. The commission is the stored quote
// value, already rounded up, so the frozen bucket empties exactly.
func SettleDelta(frozen, commission decimal.Decimal) BalanceDelta {
	return BalanceDelta{
		Trust:           frozen,
		Frozen:          frozen.Add(commission).Neg(),
		ProfitFromDeals: commission,
	}
}

// UnfreezeDelta fully reverses a reservation.
func UnfreezeDelta(frozen, commission decimal.Decimal) BalanceDelta {
	total := frozen.Add(commission)
	return BalanceDelta{Trust: total, Frozen: total.Neg()}
}

// AssignPayoutDelta reserves payout balance for an assigned payout.
func AssignPayoutDelta(total decimal.Decimal) BalanceDelta {
	return BalanceDelta{Payout: total.Neg(), FrozenPayout: total}
}

// ReleasePayoutDelta restores payout balance when a payout returns to the pool.
func ReleasePayoutDelta(total decimal.Decimal) BalanceDelta {
	return BalanceDelta{Payout: total, FrozenPayout: total.Neg()}
}

// CompletePayoutDelta consumes the payout reservation and books the spread.
func CompletePayoutDelta(total, profit decimal.Decimal) BalanceDelta {
	return BalanceDelta{FrozenPayout: total.Neg(), ProfitFromPayouts: profit}
}

// Apply returns the trader with the delta applied. A result with any negative
// balance yields ErrBalanceInvariant and the original trader is unchanged.
func (d BalanceDelta) Apply(t models.Trader) (models.Trader, error) {
	next := t
	next.TrustBalance = t.TrustBalance.Add(d.Trust)
	next.FrozenUsdt = t.FrozenUsdt.Add(d.Frozen)
	next.PayoutBalance = t.PayoutBalance.Add(d.Payout)
	next.FrozenPayoutBalance = t.FrozenPayoutBalance.Add(d.FrozenPayout)
	next.ProfitFromDeals = t.ProfitFromDeals.Add(d.ProfitFromDeals)
	next.ProfitFromPayouts = t.ProfitFromPayouts.Add(d.ProfitFromPayouts)

	checks := []struct {
		name  string
		value decimal.Decimal
	}{
		{"trust_balance", next.TrustBalance},
		{"frozen_usdt", next.FrozenUsdt},
		{"payout_balance", next.PayoutBalance},
		{"frozen_payout_balance", next.FrozenPayoutBalance},
	}
	for _, c := range checks {
		if c.value.IsNegative() {
			return t, fmt.Errorf("%w: trader %s %s would be %s", ErrBalanceInvariant, t.ID, c.name, c.value)
		}
	}
	return next, nil
}
