package utils

import (
	"strconv"
	"strings"

	"github.com/vitwit/tappay/types"
)

// CAIP-10 style namespace accepted from tapped devices.
const namespaceEIP155 = "eip155"

// TapAddress is a customer address read from a tapped device.
type TapAddress struct {
	// Address is lower-cased with a 0x prefix.
	Address string
	// ChainHint is the chain id from a structured identifier, 0 if none.
	ChainHint int64
}

// ParseTapAddress accepts either a plain 40 hex character address (optional
// 0x prefix, any case) or "<namespace>:<reference>:<address>" where only the
// eip155 namespace with a decimal chain id is recognised.
func ParseTapAddress(raw string) (TapAddress, error) {
	s := strings.TrimSpace(strings.TrimRight(raw, "\x00"))
	if s == "" {
		return TapAddress{}, types.NewError(types.ErrInvalidAddress, "empty address")
	}

	if !strings.Contains(s, ":") {
		addr, err := parsePlainAddress(s)
		if err != nil {
			return TapAddress{}, err
		}
		return TapAddress{Address: addr}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return TapAddress{}, types.NewError(types.ErrInvalidAddress, "malformed account identifier %q", s)
	}
	if !strings.EqualFold(parts[0], namespaceEIP155) {
		return TapAddress{}, types.NewError(types.ErrInvalidAddress, "unsupported namespace %q", parts[0])
	}

	chainID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || chainID <= 0 {
		return TapAddress{}, types.NewError(types.ErrInvalidAddress, "invalid chain reference %q", parts[1])
	}

	addr, err := parsePlainAddress(parts[2])
	if err != nil {
		return TapAddress{}, err
	}
	return TapAddress{Address: addr, ChainHint: chainID}, nil
}

func parsePlainAddress(s string) (string, error) {
	h := s
	if strings.HasPrefix(h, "0x") || strings.HasPrefix(h, "0X") {
		h = h[2:]
	}
	if len(h) != 40 {
		return "", types.NewError(types.ErrInvalidAddress, "address must be 40 hex characters, got %d", len(h))
	}
	for _, c := range h {
		if !isHexDigit(c) {
			return "", types.NewError(types.ErrInvalidAddress, "address contains non-hex character %q", c)
		}
	}
	return "0x" + strings.ToLower(h), nil
}

func isHexDigit(c rune) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
