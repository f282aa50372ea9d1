package utils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/tappay/types"
)

func TestToSmallestUnitsTruncates(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int32
		want     string
	}{
		{"10.00", 6, "10000000"},
		{"0.1234567", 6, "123456"},
		{"0.0000009", 6, "0"},
		{"1", 18, "1000000000000000000"},
		{"0.1", 18, "100000000000000000"},
		{"3.999999999999999999999", 18, "3999999999999999999"},
		{"42", 0, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ToSmallestUnits(decimal.RequireFromString(tt.amount), tt.decimals)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}

	_, err := ToSmallestUnits(decimal.RequireFromString("-1"), 6)
	assert.Error(t, err)
}

func TestUnitsForUSD(t *testing.T) {
	got, err := UnitsForUSD(decimal.RequireFromString("10.00"), decimal.RequireFromString("1.00"), 6)
	require.NoError(t, err)
	assert.Equal(t, "10000000", got.String())

	// 10 / 3 = 3.333333... truncated to 6 places
	got, err = UnitsForUSD(decimal.RequireFromString("10"), decimal.RequireFromString("3"), 6)
	require.NoError(t, err)
	assert.Equal(t, "3333333", got.String())

	got, err = UnitsForUSD(decimal.RequireFromString("25"), decimal.RequireFromString("2500"), 18)
	require.NoError(t, err)
	assert.Equal(t, "10000000000000000", got.String())

	_, err = UnitsForUSD(decimal.RequireFromString("1"), decimal.Zero, 6)
	assert.Error(t, err)
}

func TestFromSmallestUnits(t *testing.T) {
	got, err := ToSmallestUnits(decimal.RequireFromString("12.345678"), 6)
	require.NoError(t, err)
	assert.Equal(t, "12.345678", FromSmallestUnits(got, 6).String())
}

func TestParseTapAddress(t *testing.T) {
	const lower = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"

	tests := []struct {
		name  string
		raw   string
		want  string
		chain int64
		err   bool
	}{
		{name: "checksummed", raw: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", want: lower},
		{name: "no prefix upper", raw: "F39FD6E51AAD88F6F4CE6AB8827279CFFFB92266", want: lower},
		{name: "trailing nul", raw: lower + "\x00", want: lower},
		{name: "caip10", raw: "eip155:8453:" + lower, want: lower, chain: 8453},
		{name: "caip10 no prefix", raw: "eip155:1:f39fd6e51aad88f6f4ce6ab8827279cfffb92266", want: lower, chain: 1},
		{name: "unknown namespace", raw: "solana:mainnet:" + lower, err: true},
		{name: "bad chain", raw: "eip155:base:" + lower, err: true},
		{name: "too short", raw: "0x1234", err: true},
		{name: "non hex", raw: "0xz39fd6e51aad88f6f4ce6ab8827279cfffb92266", err: true},
		{name: "empty", raw: "", err: true},
		{name: "two parts", raw: "eip155:" + lower, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTapAddress(tt.raw)
			if tt.err {
				require.Error(t, err)
				assert.ErrorIs(t, err, types.ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Address)
			assert.Equal(t, tt.chain, got.ChainHint)
		})
	}
}
