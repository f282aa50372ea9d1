package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/vitwit/tappay/types"
	"github.com/vitwit/tappay/utils"
)

// ErrNoWebsocket is returned by Subscribe when no websocket URL is set.
var ErrNoWebsocket = errors.New("no websocket endpoint configured")

// pendingTx is a full transaction object from alchemy_pendingTransactions.
type pendingTx struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Value       *hexutil.Big    `json:"value"`
	Input       hexutil.Bytes   `json:"input"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
}

// candidate converts a pending transaction into transfer evidence for
// filter, or reports false if it pays neither recipient nor the token.
func (p *pendingTx) candidate(filter SubscriptionFilter) (types.CandidateTransfer, bool) {
	if p.To == nil {
		return types.CandidateTransfer{}, false
	}
	recipient := common.HexToAddress(filter.Recipient)

	c := types.CandidateTransfer{
		TxHash: p.Hash.Hex(),
		From:   strings.ToLower(p.From.Hex()),
		State:  types.TransferPending,
	}
	if p.BlockNumber != nil {
		n := uint64(*p.BlockNumber)
		c.BlockNumber = &n
		c.State = types.TransferMined
	}

	switch {
	case *p.To == recipient:
		if p.Value == nil || p.Value.ToInt().Sign() == 0 {
			return types.CandidateTransfer{}, false
		}
		c.To = strings.ToLower(recipient.Hex())
		c.Token = types.NativeToken
		c.Amount = p.Value.ToInt()
		return c, true

	case filter.Token != "" && strings.EqualFold(p.To.Hex(), filter.Token):
		to, amount, err := utils.DecodeTokenTransferCall(p.Input)
		if err != nil || to != recipient {
			return types.CandidateTransfer{}, false
		}
		c.To = strings.ToLower(to.Hex())
		c.Token = strings.ToLower(p.To.Hex())
		c.Amount = amount
		return c, true
	}
	return types.CandidateTransfer{}, false
}

// Subscribe implements Subscriber. It opens a new websocket connection with
// a pending transaction subscription and a new head subscription.
func (e *EVMClient) Subscribe(ctx context.Context, filter SubscriptionFilter) (Stream, error) {
	if e.wsURL == "" {
		return nil, ErrNoWebsocket
	}

	conn, err := rpc.DialContext(ctx, e.wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	addresses := []string{filter.Recipient}
	if filter.Token != "" && !(types.Token{Address: filter.Token}).IsNative() {
		addresses = append(addresses, filter.Token)
	}

	pending := make(chan *pendingTx, 64)
	pendingSub, err := conn.EthSubscribe(ctx, pending, "alchemy_pendingTransactions", map[string]any{
		"toAddress":  addresses,
		"hashesOnly": false,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe pending transactions: %w", err)
	}

	headers := make(chan *ethtypes.Header, 16)
	headSub, err := ethclient.NewClient(conn).SubscribeNewHead(ctx, headers)
	if err != nil {
		pendingSub.Unsubscribe()
		conn.Close()
		return nil, fmt.Errorf("subscribe new heads: %w", err)
	}

	s := &evmStream{
		conn:      conn,
		subs:      []ethereum.Subscription{pendingSub, headSub},
		transfers: make(chan types.CandidateTransfer, 64),
		heads:     make(chan uint64, 16),
		errc:      make(chan error, 1),
		quit:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(filter, pending, headers, pendingSub.Err(), headSub.Err())
	return s, nil
}

type evmStream struct {
	conn      *rpc.Client
	subs      []ethereum.Subscription
	transfers chan types.CandidateTransfer
	heads     chan uint64
	errc      chan error
	quit      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

func (s *evmStream) Transfers() <-chan types.CandidateTransfer { return s.transfers }
func (s *evmStream) Heads() <-chan uint64                      { return s.heads }
func (s *evmStream) Err() <-chan error                         { return s.errc }

// Close unsubscribes, closes the connection and waits for the reader
// goroutine, so nothing is delivered after it returns.
func (s *evmStream) Close() {
	s.once.Do(func() {
		close(s.quit)
		for _, sub := range s.subs {
			sub.Unsubscribe()
		}
		s.conn.Close()
	})
	s.wg.Wait()
}

func (s *evmStream) fail(err error) {
	select {
	case <-s.quit:
		return
	default:
	}
	if err == nil {
		err = errors.New("subscription closed")
	}
	select {
	case s.errc <- err:
	default:
	}
}

func (s *evmStream) run(filter SubscriptionFilter, pending <-chan *pendingTx, headers <-chan *ethtypes.Header, pendingErr, headErr <-chan error) {
	defer s.wg.Done()

	for {
		select {
		case <-s.quit:
			return
		case err := <-pendingErr:
			s.fail(err)
			return
		case err := <-headErr:
			s.fail(err)
			return
		case tx := <-pending:
			c, ok := tx.candidate(filter)
			if !ok {
				continue
			}
			select {
			case s.transfers <- c:
			case <-s.quit:
				return
			}
		case h := <-headers:
			select {
			case s.heads <- h.Number.Uint64():
			case <-s.quit:
				return
			}
		}
	}
}
