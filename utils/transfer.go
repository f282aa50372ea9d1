package utils

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/tappay/types"
)

// ERC20ABI covers the calls and events the terminal reads.
const ERC20ABI = `[
  {"name":"transfer","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"Transfer","type":"event","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},
             {"name":"to","type":"address","indexed":true},
             {"name":"value","type":"uint256","indexed":false}]}
]`

var (
	erc20 = mustParseABI(ERC20ABI)

	// TransferSelector is the 4-byte selector of transfer(address,uint256).
	TransferSelector = erc20.Methods["transfer"].ID

	// TransferEventTopic is keccak256("Transfer(address,address,uint256)").
	TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// ErrNotATransfer is returned for call data that is not a transfer() call.
var ErrNotATransfer = errors.New("not a token transfer")

const transferCallLen = 4 + 32 + 32

// DecodeError reports malformed transfer evidence.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Field, e.Reason)
}

// ERC20 returns the parsed ERC-20 ABI.
func ERC20() abi.ABI {
	return erc20
}

// DecodeNativeTransfer parses a native value given as a 0x hex quantity or a
// base-10 string.
func DecodeNativeTransfer(raw string) (*big.Int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, &DecodeError{Field: "value", Reason: "empty"}
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := hexutil.DecodeBig(strings.ToLower(s))
		if err != nil {
			// hexutil rejects leading zeros; fall back to a lenient parse.
			v, ok := new(big.Int).SetString(s[2:], 16)
			if !ok || v.Sign() < 0 {
				return nil, &DecodeError{Field: "value", Reason: err.Error()}
			}
			return v, nil
		}
		return v, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, &DecodeError{Field: "value", Reason: fmt.Sprintf("invalid quantity %q", s)}
	}
	return v, nil
}

// DecodeTokenTransferCall decodes transfer(address,uint256) call data.
// Any other selector yields ErrNotATransfer; short or malformed input yields
// a *DecodeError.
func DecodeTokenTransferCall(data []byte) (common.Address, *big.Int, error) {
	if len(data) < 4 {
		return common.Address{}, nil, &DecodeError{Field: "calldata", Reason: fmt.Sprintf("too short: %d bytes", len(data))}
	}
	if !bytes.Equal(data[:4], TransferSelector) {
		return common.Address{}, nil, ErrNotATransfer
	}
	if len(data) != transferCallLen {
		return common.Address{}, nil, &DecodeError{Field: "calldata", Reason: fmt.Sprintf("transfer call must be %d bytes, got %d", transferCallLen, len(data))}
	}

	word := data[4:36]
	for _, b := range word[:12] {
		if b != 0 {
			return common.Address{}, nil, &DecodeError{Field: "recipient", Reason: "dirty high bytes"}
		}
	}
	to := common.BytesToAddress(word[12:])
	amount := new(big.Int).SetBytes(data[36:68])
	return to, amount, nil
}

// DecodeTransferLog converts an ERC-20 Transfer event into a mined candidate.
func DecodeTransferLog(l ethtypes.Log) (types.CandidateTransfer, error) {
	if len(l.Topics) != 3 || l.Topics[0] != TransferEventTopic {
		return types.CandidateTransfer{}, ErrNotATransfer
	}
	if len(l.Data) != 32 {
		return types.CandidateTransfer{}, &DecodeError{Field: "log.data", Reason: fmt.Sprintf("want 32 bytes, got %d", len(l.Data))}
	}
	block := l.BlockNumber
	return types.CandidateTransfer{
		TxHash:      l.TxHash.Hex(),
		From:        strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
		To:          strings.ToLower(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
		Token:       strings.ToLower(l.Address.Hex()),
		Amount:      new(big.Int).SetBytes(l.Data),
		State:       types.TransferMined,
		BlockNumber: &block,
	}, nil
}

// EncodeTokenTransferCall builds transfer(address,uint256) call data.
func EncodeTokenTransferCall(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20.Pack("transfer", to, amount)
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}
