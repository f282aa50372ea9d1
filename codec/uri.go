// Package codec builds the payment request transmitted to a tapped phone.
package codec

import (
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vitwit/tappay/types"
	"github.com/vitwit/tappay/utils"
)

// URIScheme is the EIP-681 scheme.
const URIScheme = "ethereum"

// PaymentRequest is the decoded form of a payment URI.
type PaymentRequest struct {
	// Token is the contract address, or types.NativeToken.
	Token     string
	Recipient string
	ChainID   int64
	Units     *big.Int
}

// BuildPaymentURI converts amount to smallest units with
// floor(amount * 10^decimals) and builds the URI.
func BuildPaymentURI(amount decimal.Decimal, token string, decimals int32, recipient string, chainID int64) (string, error) {
	units, err := utils.ToSmallestUnits(amount, decimals)
	if err != nil {
		return "", err
	}
	return BuildPaymentURIUnits(units, token, recipient, chainID)
}

// BuildPaymentURIUnits builds the URI from an exact smallest-unit amount.
//
//	native: ethereum:<recipient>@<chainId>?value=<units>
//	token:  ethereum:<token>@<chainId>/transfer?address=<recipient>&uint256=<units>
func BuildPaymentURIUnits(units *big.Int, token string, recipient string, chainID int64) (string, error) {
	if units == nil || units.Sign() < 0 {
		return "", fmt.Errorf("invalid amount: %v", units)
	}
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("invalid recipient address %q", recipient)
	}
	if chainID <= 0 {
		return "", fmt.Errorf("invalid chain id %d", chainID)
	}

	native := types.Token{Address: token}.IsNative()
	if native {
		return fmt.Sprintf("%s:%s@%d?value=%s", URIScheme, recipient, chainID, units.String()), nil
	}

	if !common.IsHexAddress(token) {
		return "", fmt.Errorf("invalid token address %q", token)
	}
	return fmt.Sprintf("%s:%s@%d/transfer?address=%s&uint256=%s",
		URIScheme, token, chainID, recipient, units.String()), nil
}

// ParsePaymentURI decodes a URI produced by BuildPaymentURIUnits.
func ParsePaymentURI(uri string) (*PaymentRequest, error) {
	rest, ok := strings.CutPrefix(uri, URIScheme+":")
	if !ok {
		return nil, fmt.Errorf("unsupported scheme in %q", uri)
	}

	target, query, _ := strings.Cut(rest, "?")
	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	target, function, hasFunction := strings.Cut(target, "/")
	address, chain, ok := strings.Cut(target, "@")
	if !ok {
		return nil, fmt.Errorf("missing chain id in %q", uri)
	}
	chainID, err := strconv.ParseInt(chain, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chain id %q: %w", chain, err)
	}

	req := &PaymentRequest{ChainID: chainID}
	var amount string

	switch {
	case !hasFunction:
		req.Token = types.NativeToken
		req.Recipient = address
		amount = params.Get("value")
	case function == "transfer":
		req.Token = address
		req.Recipient = params.Get("address")
		amount = params.Get("uint256")
	default:
		return nil, fmt.Errorf("unsupported function %q", function)
	}

	req.Units, err = utils.ValidateBigInt(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return req, nil
}
