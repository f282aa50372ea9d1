package types

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindMatching(t *testing.T) {
	base := NewError(ErrAddressBusy, "address %s in cooldown", "0xabc")
	wrapped := fmt.Errorf("tap: %w", base)

	assert.ErrorIs(t, wrapped, ErrAddressBusy)
	assert.NotErrorIs(t, wrapped, ErrInvalidAddress)
	assert.ErrorIs(t, wrapped, &Error{Kind: ErrAddressBusy})
	assert.Equal(t, ErrAddressBusy, KindOf(wrapped))
	assert.Equal(t, "ADDRESS_BUSY: address 0xabc in cooldown", base.Error())

	cause := errors.New("connection reset")
	err := WrapError(ErrChannelConnectFailed, cause, "dial %d", 8453)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "CHANNEL_CONNECT_FAILED: dial 8453: connection reset", err.Error())

	assert.Equal(t, ErrorKind(""), KindOf(cause))
	assert.Equal(t, ErrUserCancelled, KindOf(fmt.Errorf("x: %w", ErrUserCancelled)))

	var typed *Error
	require.ErrorAs(t, wrapped, &typed)
	assert.Equal(t, "address 0xabc in cooldown", typed.Message)
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, ErrTransmissionFailed.Retryable())
	assert.True(t, ErrPastChainHead.Retryable())
	for _, k := range []ErrorKind{ErrReaderError, ErrAddressBusy, ErrSessionTimeout, ""} {
		assert.False(t, k.Retryable(), k)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []SessionStatus{StatusArmed, StatusTapReceived, StatusAwaitingConfirmation} {
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range []SessionStatus{StatusConfirmed, StatusRejected, StatusTimedOut, StatusCancelled, StatusError} {
		assert.True(t, s.IsTerminal(), s)
	}
}

func TestTokenSameAddress(t *testing.T) {
	usdc := Token{Address: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"}
	assert.True(t, usdc.SameAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"))
	assert.False(t, usdc.SameAddress(NativeToken))

	eth := Token{Address: NativeToken}
	assert.True(t, eth.IsNative())
	assert.True(t, eth.SameAddress(""))
	assert.True(t, eth.SameAddress("NATIVE"))
	assert.False(t, eth.SameAddress(usdc.Address))
}

func TestSessionExpiredAndClone(t *testing.T) {
	now := time.Now()
	s := PaymentSession{Deadline: now.Add(time.Minute), ExpectedAmount: big.NewInt(5)}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(time.Minute)))
	assert.False(t, (&PaymentSession{}).Expired(now), "no deadline never expires")

	c := s.Clone()
	c.ExpectedAmount.SetInt64(9)
	assert.Equal(t, int64(5), s.ExpectedAmount.Int64())
}

func TestChainRegistry(t *testing.T) {
	base, ok := LookupChain(ChainBase)
	require.True(t, ok)
	assert.True(t, base.PushSupported)

	op := ChainOrDefault(ChainOptimism)
	assert.False(t, op.PushSupported)

	unknown := ChainOrDefault(999)
	assert.Equal(t, "eip155-999", unknown.Name)
	assert.False(t, unknown.PushSupported)

	chains := KnownChains()
	require.NotEmpty(t, chains)
	for i := 1; i < len(chains); i++ {
		assert.Less(t, chains[i-1].ID, chains[i].ID)
	}
}
