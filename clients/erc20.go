package clients

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/tappay/types"
	"github.com/vitwit/tappay/utils"
)

// BalanceOf returns owner's balance of token in smallest units. Native
// balances are read with eth_getBalance.
func (e *EVMClient) BalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	holder := common.HexToAddress(owner)

	if (types.Token{Address: token}).IsNative() {
		bal, err := e.eth.BalanceAt(ctx, holder, nil)
		if err != nil {
			return nil, fmt.Errorf("eth_getBalance: %w", err)
		}
		return bal, nil
	}

	erc20 := utils.ERC20()
	data, err := erc20.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}

	contract := common.HexToAddress(token)
	out, err := e.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", token, err)
	}

	values, err := erc20.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("decode balanceOf %s: %w", token, err)
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf type %T", values[0])
	}
	return bal, nil
}
