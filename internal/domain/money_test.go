package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCeilUp2(t *testing.T) {
	assert.Equal(t, "1.24", CeilUp2(decimal.RequireFromString("1.234")).String())
	assert.Equal(t, "1.23", CeilUp2(decimal.RequireFromString("1.23")).String())
	assert.Equal(t, "102.05", CeilUp2(decimal.NewFromInt(10000).Div(decimal.NewFromInt(98))).String())
}

func TestRoundDown2(t *testing.T) {
	assert.Equal(t, "1.23", RoundDown2(decimal.RequireFromString("1.239")).String())
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{name: "plain", in: "1000", want: "1000", ok: true},
		{name: "space_grouped", in: "10 000", want: "10000", ok: true},
		{name: "nbsp_grouped", in: "10\u00a0000,50", want: "10000.5", ok: true},
		{name: "comma_decimal", in: "99,99", want: "99.99", ok: true},
		{name: "truncated", in: "5.999", want: "5.99", ok: true},
		{name: "trailing_dot", in: "150.", want: "150", ok: true},
		{name: "empty", in: "  ", ok: false},
		{name: "garbage", in: "abc", ok: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseAmount(tc.in)
			if !tc.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}
