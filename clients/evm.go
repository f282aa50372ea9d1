package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/vitwit/tappay/logger"
	"github.com/vitwit/tappay/types"
	"github.com/vitwit/tappay/utils"
)

var (
	_ ChainSource   = (*EVMClient)(nil)
	_ Subscriber    = (*EVMClient)(nil)
	_ BalanceReader = (*EVMClient)(nil)
)

// Page size for alchemy_getAssetTransfers.
const assetTransfersPageSize = 1000

// EVMClient reads transfers from an EVM JSON-RPC provider. Range queries use
// the Alchemy asset transfer API when the provider has it and fall back to
// block scanning plus Transfer logs otherwise. Subscriptions need a
// websocket endpoint.
type EVMClient struct {
	chainID int64
	rpcURL  string
	wsURL   string
	rpc     *rpc.Client
	eth     *ethclient.Client
	signer  ethtypes.Signer
	log     logger.Logger

	// set once the provider reports it has no asset transfer API
	noAssetTransfers atomic.Bool
}

// NewEVMClient dials rpcURL and checks the provider serves chainID.
func NewEVMClient(ctx context.Context, chainID int64, rpcURL, wsURL string, log logger.Logger) (*EVMClient, error) {
	if log == nil {
		log = logger.NoopLogger{}
	}

	client, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM RPC: %w", err)
	}
	eth := ethclient.NewClient(client)

	remote, err := eth.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if remote.Int64() != chainID {
		client.Close()
		return nil, fmt.Errorf("rpc serves chain %s, expected %d", remote, chainID)
	}

	return &EVMClient{
		chainID: chainID,
		rpcURL:  rpcURL,
		wsURL:   wsURL,
		rpc:     client,
		eth:     eth,
		signer:  ethtypes.LatestSignerForChainID(big.NewInt(chainID)),
		log:     logger.With(log, map[string]any{"component": "evm_client", "chain": chainID}),
	}, nil
}

// ChainID implements ChainSource.
func (e *EVMClient) ChainID() int64 {
	return e.chainID
}

// CanSubscribe reports whether a websocket endpoint is configured.
func (e *EVMClient) CanSubscribe() bool {
	return e.wsURL != ""
}

// Close implements ChainSource.
func (e *EVMClient) Close() {
	e.rpc.Close()
}

// GetBlockNumber implements ChainSource.
func (e *EVMClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	n, err := e.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return n, nil
}

// TransactionStatus implements ChainSource.
func (e *EVMClient) TransactionStatus(ctx context.Context, txHash string) (TxStatus, error) {
	if err := utils.ValidateTransactionHash(txHash); err != nil {
		return TxPending, err
	}
	receipt, err := e.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return TxPending, nil
	}
	if err != nil {
		return TxPending, fmt.Errorf("eth_getTransactionReceipt: %w", err)
	}
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		return TxSuccess, nil
	}
	return TxFailed, nil
}

type assetTransfersParams struct {
	FromBlock        string   `json:"fromBlock"`
	ToBlock          string   `json:"toBlock"`
	ToAddress        string   `json:"toAddress"`
	Category         []string `json:"category"`
	ExcludeZeroValue bool     `json:"excludeZeroValue"`
	WithMetadata     bool     `json:"withMetadata"`
	MaxCount         string   `json:"maxCount"`
	PageKey          string   `json:"pageKey,omitempty"`
}

type assetTransfersResult struct {
	Transfers []assetTransfer `json:"transfers"`
	PageKey   string          `json:"pageKey"`
}

// assetTransfer is one alchemy_getAssetTransfers entry. The float "value"
// field is deliberately not decoded; amounts come from rawContract.value.
type assetTransfer struct {
	BlockNum    string  `json:"blockNum"`
	Hash        string  `json:"hash"`
	From        string  `json:"from"`
	To          *string `json:"to"`
	Category    string  `json:"category"`
	RawContract struct {
		Value   *string `json:"value"`
		Address *string `json:"address"`
	} `json:"rawContract"`
}

func (t assetTransfer) candidate() (types.CandidateTransfer, error) {
	if t.RawContract.Value == nil {
		return types.CandidateTransfer{}, fmt.Errorf("transfer %s has no raw value", t.Hash)
	}
	amount, err := utils.DecodeNativeTransfer(*t.RawContract.Value)
	if err != nil {
		return types.CandidateTransfer{}, err
	}

	token := types.NativeToken
	switch t.Category {
	case "external":
	case "erc20":
		if t.RawContract.Address == nil {
			return types.CandidateTransfer{}, fmt.Errorf("erc20 transfer %s has no contract", t.Hash)
		}
		token = strings.ToLower(*t.RawContract.Address)
	default:
		return types.CandidateTransfer{}, fmt.Errorf("unsupported category %q", t.Category)
	}

	c := types.CandidateTransfer{
		TxHash: t.Hash,
		From:   strings.ToLower(t.From),
		Token:  token,
		Amount: amount,
		State:  types.TransferMined,
	}
	if t.To != nil {
		c.To = strings.ToLower(*t.To)
	}
	if block, err := hexutil.DecodeUint64(t.BlockNum); err == nil {
		c.BlockNumber = &block
	}
	return c, nil
}

// GetAssetTransfers implements ChainSource.
func (e *EVMClient) GetAssetTransfers(ctx context.Context, recipient string, fromBlock, toBlock uint64) ([]types.CandidateTransfer, error) {
	if fromBlock > toBlock {
		return nil, nil
	}
	if !e.noAssetTransfers.Load() {
		out, err := e.alchemyAssetTransfers(ctx, recipient, fromBlock, toBlock)
		if !isMethodNotFound(err) {
			return out, err
		}
		e.noAssetTransfers.Store(true)
		e.log.Info("provider has no asset transfer API, scanning blocks", nil)
	}

	native, err := e.scanNativeTransfers(ctx, recipient, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	tokens, err := e.GetTokenTransfers(ctx, "", recipient, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	return append(native, tokens...), nil
}

func (e *EVMClient) alchemyAssetTransfers(ctx context.Context, recipient string, fromBlock, toBlock uint64) ([]types.CandidateTransfer, error) {
	params := assetTransfersParams{
		FromBlock:        hexutil.EncodeUint64(fromBlock),
		ToBlock:          hexutil.EncodeUint64(toBlock),
		ToAddress:        recipient,
		Category:         []string{"external", "erc20"},
		ExcludeZeroValue: true,
		MaxCount:         hexutil.EncodeUint64(assetTransfersPageSize),
	}

	var out []types.CandidateTransfer
	for {
		var res assetTransfersResult
		if err := e.rpc.CallContext(ctx, &res, "alchemy_getAssetTransfers", params); err != nil {
			return nil, classify(err, "alchemy_getAssetTransfers")
		}
		for _, t := range res.Transfers {
			c, err := t.candidate()
			if err != nil {
				e.log.Debug("skipping asset transfer", map[string]any{"hash": t.Hash, "error": err})
				continue
			}
			out = append(out, c)
		}
		if res.PageKey == "" {
			return out, nil
		}
		params.PageKey = res.PageKey
	}
}

func (e *EVMClient) scanNativeTransfers(ctx context.Context, recipient string, fromBlock, toBlock uint64) ([]types.CandidateTransfer, error) {
	to := common.HexToAddress(recipient)

	var out []types.CandidateTransfer
	for n := fromBlock; n <= toBlock; n++ {
		block, err := e.eth.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if errors.Is(err, ethereum.NotFound) {
			return nil, types.WrapError(types.ErrPastChainHead, err, "block %d", n)
		}
		if err != nil {
			return nil, classify(err, fmt.Sprintf("eth_getBlockByNumber %d", n))
		}

		blockNum := n
		for _, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != to || tx.Value().Sign() == 0 {
				continue
			}
			c := types.CandidateTransfer{
				TxHash:      tx.Hash().Hex(),
				To:          strings.ToLower(to.Hex()),
				Token:       types.NativeToken,
				Amount:      new(big.Int).Set(tx.Value()),
				State:       types.TransferMined,
				BlockNumber: &blockNum,
			}
			if from, err := ethtypes.Sender(e.signer, tx); err == nil {
				c.From = strings.ToLower(from.Hex())
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// GetTokenTransfers implements ChainSource.
func (e *EVMClient) GetTokenTransfers(ctx context.Context, token, recipient string, fromBlock, toBlock uint64) ([]types.CandidateTransfer, error) {
	if fromBlock > toBlock {
		return nil, nil
	}
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Topics: [][]common.Hash{
			{utils.TransferEventTopic},
			nil,
			{common.BytesToHash(common.HexToAddress(recipient).Bytes())},
		},
	}
	if token != "" && !(types.Token{Address: token}).IsNative() {
		q.Addresses = []common.Address{common.HexToAddress(token)}
	}

	logs, err := e.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, classify(err, "eth_getLogs")
	}

	out := make([]types.CandidateTransfer, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		c, err := utils.DecodeTransferLog(l)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
