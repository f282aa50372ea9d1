package utils

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToSmallestUnits converts a token amount to its base denomination using
// floor(amount * 10^decimals). Fractions below one unit are truncated.
func ToSmallestUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative: %s", amount)
	}
	if decimals < 0 {
		return nil, fmt.Errorf("decimals cannot be negative: %d", decimals)
	}
	return amount.Shift(decimals).Floor().BigInt(), nil
}

// FromSmallestUnits renders a base-denomination integer as a decimal amount.
// Display only; never used for comparison.
func FromSmallestUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// UnitsForUSD returns floor(usd / priceUSD * 10^decimals), the exact number
// of smallest units worth usd at priceUSD per whole token.
func UnitsForUSD(usd, priceUSD decimal.Decimal, decimals int32) (*big.Int, error) {
	if usd.IsNegative() {
		return nil, fmt.Errorf("usd amount cannot be negative: %s", usd)
	}
	if !priceUSD.IsPositive() {
		return nil, fmt.Errorf("price must be positive: %s", priceUSD)
	}
	if decimals < 0 {
		return nil, fmt.Errorf("decimals cannot be negative: %d", decimals)
	}
	// QuoRem with precision 0 yields the truncated integer quotient without
	// the rounding Div applies at DivisionPrecision.
	q, _ := usd.Shift(decimals).QuoRem(priceUSD, 0)
	return q.BigInt(), nil
}
