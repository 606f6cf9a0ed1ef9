package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FreezeQuote is the reservation computed for one inbound transaction.
// The figures are persisted and reused verbatim on settle and unfreeze.
type FreezeQuote struct {
	Amount       decimal.Decimal
	BaseRate     decimal.Decimal
	KKKPercent   decimal.Decimal
	FeeInPercent decimal.Decimal
	AdjustedRate decimal.Decimal
	Frozen       decimal.Decimal
	Commission   decimal.Decimal
	Total        decimal.Decimal
}

// CalculateFreeze converts a fiat amount into the crypto reservation backing it.
// Frozen and commission are each rounded up to two decimals.
func CalculateFreeze(amount, baseRate, kkkPercent, feeInPercent decimal.Decimal) (FreezeQuote, error) {
	if !amount.IsPositive() {
		return FreezeQuote{}, ErrInvalidAmount
	}
	if !baseRate.IsPositive() {
		return FreezeQuote{}, ErrInvalidRate
	}
	if kkkPercent.IsNegative() || kkkPercent.GreaterThanOrEqual(hundred) {
		return FreezeQuote{}, fmt.Errorf("kkk percent %s out of range", kkkPercent)
	}
	if feeInPercent.IsNegative() {
		return FreezeQuote{}, fmt.Errorf("fee percent %s is negative", feeInPercent)
	}

	adjusted := baseRate.Mul(one.Sub(kkkPercent.Div(hundred)))
	frozen := CeilUp2(amount.Div(adjusted))
	commission := CeilUp2(Percent(amount.Div(baseRate), feeInPercent))

	return FreezeQuote{
		Amount:       amount,
		BaseRate:     baseRate,
		KKKPercent:   kkkPercent,
		FeeInPercent: feeInPercent,
		AdjustedRate: adjusted,
		Frozen:       frozen,
		Commission:   commission,
		Total:        frozen.Add(commission),
	}, nil
}
