package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NativeToken is the token address sentinel used for a chain's native asset.
const NativeToken = "native"

// SessionStatus represents the lifecycle state of a payment session
type SessionStatus string

const (
	StatusArmed                SessionStatus = "armed"
	StatusTapReceived          SessionStatus = "tap_received"
	StatusAwaitingConfirmation SessionStatus = "awaiting_confirmation"
	StatusConfirmed            SessionStatus = "confirmed"
	StatusRejected             SessionStatus = "rejected"
	StatusTimedOut             SessionStatus = "timed_out"
	StatusCancelled            SessionStatus = "cancelled"
	StatusError                SessionStatus = "error"
)

// IsTerminal reports whether no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusTimedOut, StatusCancelled, StatusError:
		return true
	}
	return false
}

// ConfirmationState describes how far a transfer has progressed on chain
type ConfirmationState string

const (
	TransferPending ConfirmationState = "pending"
	TransferMined   ConfirmationState = "mined"
)

// Token identifies the asset a customer is asked to pay with.
type Token struct {
	// Address of the ERC-20 contract, or NativeToken for the chain's native asset.
	Address  string `json:"address" validate:"required"`
	Symbol   string `json:"symbol" validate:"required"`
	Decimals int32  `json:"decimals" validate:"gte=0,lte=36"`
}

// IsNative reports whether the token is the chain's native asset.
func (t Token) IsNative() bool {
	return t.Address == "" || strings.EqualFold(t.Address, NativeToken)
}

// SameAddress compares token addresses case-insensitively.
func (t Token) SameAddress(address string) bool {
	if t.IsNative() {
		return address == "" || strings.EqualFold(address, NativeToken)
	}
	return strings.EqualFold(t.Address, address)
}

// PaymentSession is one outstanding charge.
type PaymentSession struct {
	ID                string          `json:"id"`
	MerchantUSDAmount decimal.Decimal `json:"merchantUsdAmount"`
	ChainID           int64           `json:"chainId"`
	RecipientAddress  string          `json:"recipientAddress"`
	CustomerAddress   string          `json:"customerAddress,omitempty"`

	ExpectedToken Token `json:"expectedToken"`
	// ExpectedAmount is in the token's smallest unit. It is the only value
	// ever compared against observed transfers.
	ExpectedAmount *big.Int `json:"expectedAmount,omitempty"`

	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	Deadline  time.Time     `json:"deadline"`
}

// Expired reports whether the session deadline has passed at now.
func (s *PaymentSession) Expired(now time.Time) bool {
	return !s.Deadline.IsZero() && !now.Before(s.Deadline)
}

// Clone returns a copy safe to hand to another goroutine.
func (s *PaymentSession) Clone() PaymentSession {
	c := *s
	if s.ExpectedAmount != nil {
		c.ExpectedAmount = new(big.Int).Set(s.ExpectedAmount)
	}
	return c
}

// CandidateTransfer is transfer evidence observed on chain.
type CandidateTransfer struct {
	TxHash string `json:"txHash"`
	From   string `json:"from"`
	To     string `json:"to"`
	// Token is the ERC-20 contract address or NativeToken.
	Token       string            `json:"token"`
	Amount      *big.Int          `json:"amount"`
	State       ConfirmationState `json:"state"`
	BlockNumber *uint64           `json:"blockNumber,omitempty"`
}

func (c CandidateTransfer) String() string {
	return fmt.Sprintf("%s %s->%s %s %s (%s)", c.TxHash, c.From, c.To, c.Amount, c.Token, c.State)
}

// Selection is the token and exact amount the customer will be asked to pay.
type Selection struct {
	Token   Token    `json:"token" validate:"required"`
	Amount  *big.Int `json:"amount" validate:"required"`
	ChainID int64    `json:"chainId" validate:"required,gt=0"`
}

// Confirmation is reported to the caller once a payment is seen on chain.
type Confirmation struct {
	TxHash       string   `json:"txHash"`
	TokenSymbol  string   `json:"tokenSymbol"`
	TokenAddress string   `json:"tokenAddress"`
	Decimals     int32    `json:"decimals"`
	Amount       *big.Int `json:"amount"`
	ChainID      int64    `json:"chainId"`
	BlockNumber  *uint64  `json:"blockNumber,omitempty"`
}

// ChargeResult is delivered exactly once per armed session.
type ChargeResult struct {
	Session      PaymentSession `json:"session"`
	Confirmation *Confirmation  `json:"confirmation,omitempty"`
	Err          error          `json:"-"`
}

// OK reports whether the charge was confirmed.
func (r ChargeResult) OK() bool {
	return r.Err == nil && r.Confirmation != nil
}
