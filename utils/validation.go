package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/vitwit/tappay/types"
)

var validate = validator.New()

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ValidateAmount checks if an amount string is a valid non-negative decimal
func ValidateAmount(amount string) (decimal.Decimal, error) {
	if amount == "" {
		return decimal.Zero, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount cannot be negative")
	}

	return dec, nil
}

// ValidateBigInt checks if a string is a valid base-10 big integer
func ValidateBigInt(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("value cannot be empty")
	}

	bigInt, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid big integer format")
	}

	return bigInt, nil
}

// ValidateTransactionHash checks an EVM transaction hash (0x + 64 hex)
func ValidateTransactionHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if !txHashPattern.MatchString(hash) {
		return fmt.Errorf("transaction hash must be 0x followed by 64 hex characters")
	}
	return nil
}

// NormalizeAddress lower-cases a hex address and ensures the 0x prefix.
// It returns "" for anything that is not a 20-byte hex address.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return ""
	}
	return strings.ToLower(common.HexToAddress(address).Hex())
}

// ValidateSelection checks a token selection before it is used to build a
// payment request.
func ValidateSelection(sel *types.Selection) error {
	if sel == nil {
		return fmt.Errorf("selection is nil")
	}
	if err := validate.Struct(sel); err != nil {
		return fmt.Errorf("invalid selection: %w", err)
	}
	if sel.Amount.Sign() <= 0 {
		return fmt.Errorf("invalid selection: amount must be positive")
	}
	if !sel.Token.IsNative() && !common.IsHexAddress(sel.Token.Address) {
		return fmt.Errorf("invalid selection: token address %q", sel.Token.Address)
	}
	return nil
}
