package utils

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/tappay/types"
)

const recipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

func TestTransferSelector(t *testing.T) {
	assert.Equal(t, "a9059cbb", hex.EncodeToString(TransferSelector))
	assert.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", TransferEventTopic.Hex())
}

func TestDecodeTokenTransferCall(t *testing.T) {
	data, err := EncodeTokenTransferCall(common.HexToAddress(recipient), big.NewInt(10_000_000))
	require.NoError(t, err)
	require.Len(t, data, 68)

	to, amount, err := DecodeTokenTransferCall(data)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(recipient), to)
	assert.Equal(t, 0, amount.Cmp(big.NewInt(10_000_000)))
}

func TestDecodeTokenTransferCallRejects(t *testing.T) {
	valid, err := EncodeTokenTransferCall(common.HexToAddress(recipient), big.NewInt(1))
	require.NoError(t, err)

	approve, _ := hex.DecodeString("095ea7b3")
	approve = append(approve, valid[4:]...)

	dirty := append([]byte(nil), valid...)
	dirty[5] = 0xff

	tests := []struct {
		name       string
		data       []byte
		notATransf bool
	}{
		{name: "empty", data: nil},
		{name: "selector only prefix", data: valid[:3]},
		{name: "other selector", data: approve, notATransf: true},
		{name: "truncated amount", data: valid[:40]},
		{name: "trailing bytes", data: append(append([]byte(nil), valid...), 0x00)},
		{name: "dirty recipient word", data: dirty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotPanics(t, func() {
				_, _, err := DecodeTokenTransferCall(tt.data)
				require.Error(t, err)
				if tt.notATransf {
					assert.ErrorIs(t, err, ErrNotATransfer)
				} else {
					var de *DecodeError
					assert.ErrorAs(t, err, &de)
				}
			})
		})
	}
}

func TestDecodeNativeTransfer(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{raw: "0x2386f26fc10000", want: "10000000000000000", ok: true},
		{raw: "0x0", want: "0", ok: true},
		{raw: "0x00ff", want: "255", ok: true},
		{raw: "12345", want: "12345", ok: true},
		{raw: "", ok: false},
		{raw: "0x", ok: false},
		{raw: "-5", ok: false},
		{raw: "0x-5", ok: false},
		{raw: "1.5", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			v, err := DecodeNativeTransfer(tt.raw)
			if !tt.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
		})
	}
}

func TestDecodeTransferLog(t *testing.T) {
	token := common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	from := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	to := common.HexToAddress(recipient)

	l := ethtypes.Log{
		Address: token,
		Topics: []common.Hash{
			TransferEventTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(big.NewInt(10_000_000).Bytes(), 32),
		BlockNumber: 42,
		TxHash:      common.HexToHash("0x01"),
	}

	c, err := DecodeTransferLog(l)
	require.NoError(t, err)
	assert.Equal(t, NormalizeAddress(token.Hex()), c.Token)
	assert.Equal(t, NormalizeAddress(to.Hex()), c.To)
	assert.Equal(t, NormalizeAddress(from.Hex()), c.From)
	assert.Equal(t, "10000000", c.Amount.String())
	assert.Equal(t, types.TransferMined, c.State)
	require.NotNil(t, c.BlockNumber)
	assert.Equal(t, uint64(42), *c.BlockNumber)

	l.Topics = l.Topics[:2]
	_, err = DecodeTransferLog(l)
	assert.ErrorIs(t, err, ErrNotATransfer)
}
