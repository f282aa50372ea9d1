// Package clients provides the chain data sources the terminal observes
// transfers through.
package clients

import (
	"context"
	"math/big"

	"github.com/vitwit/tappay/types"
)

// TxStatus is the inclusion status of a transaction.
type TxStatus int

const (
	TxPending TxStatus = iota
	TxSuccess
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxSuccess:
		return "success"
	case TxFailed:
		return "failed"
	default:
		return "pending"
	}
}

// ChainSource answers range queries about transfers on one chain.
type ChainSource interface {
	ChainID() int64
	GetBlockNumber(ctx context.Context) (uint64, error)
	// GetAssetTransfers returns native and token transfers to recipient in
	// [fromBlock, toBlock]. Ranges beyond the provider's head fail with a
	// types.ErrPastChainHead error.
	GetAssetTransfers(ctx context.Context, recipient string, fromBlock, toBlock uint64) ([]types.CandidateTransfer, error)
	// GetTokenTransfers returns ERC-20 Transfer logs to recipient in
	// [fromBlock, toBlock], restricted to token unless it is empty.
	GetTokenTransfers(ctx context.Context, token, recipient string, fromBlock, toBlock uint64) ([]types.CandidateTransfer, error)
	TransactionStatus(ctx context.Context, txHash string) (TxStatus, error)
	Close()
}

// SubscriptionFilter selects which pending transactions a Stream delivers.
type SubscriptionFilter struct {
	Recipient string
	// Token additionally subscribes to transactions sent to the token
	// contract so transfer() calls can be decoded. Empty or native means
	// recipient only.
	Token string
}

// Subscriber opens push subscriptions. Every call opens a new connection.
type Subscriber interface {
	Subscribe(ctx context.Context, filter SubscriptionFilter) (Stream, error)
}

// Stream is one open subscription connection.
type Stream interface {
	Transfers() <-chan types.CandidateTransfer
	// Heads delivers new block numbers.
	Heads() <-chan uint64
	// Err delivers at most one error when the connection drops.
	Err() <-chan error
	Close()
}

// BalanceReader reads customer balances.
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, owner string) (*big.Int, error)
}
