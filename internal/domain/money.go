package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// CeilUp2 rounds a value up to two decimal places (crypto cents).
func CeilUp2(d decimal.Decimal) decimal.Decimal {
	return d.RoundCeil(2)
}

// RoundDown2 truncates a value to two decimal places.
func RoundDown2(d decimal.Decimal) decimal.Decimal {
	return d.RoundFloor(2)
}

// Percent returns p/100 of base.
func Percent(base, p decimal.Decimal) decimal.Decimal {
	return base.Mul(p).Div(hundred)
}

// ParseAmount parses bank formatted amounts such as "1 000,50" or "10 000".
// The result is rounded down to two decimal places.
func ParseAmount(raw string) (decimal.Decimal, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\t':
			return -1
		case ',':
			return '.'
		}
		return r
	}, strings.TrimSpace(raw))
	cleaned = strings.TrimSuffix(strings.TrimPrefix(cleaned, "+"), ".")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("empty amount %q", raw)
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return RoundDown2(d), nil
}
