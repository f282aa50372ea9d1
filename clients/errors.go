package clients

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/vitwit/tappay/types"
)

// JSON-RPC "method not found"
const rpcMethodNotFound = -32601

// Provider messages for ranges that reach past the served head.
var pastHeadMessages = []string{
	"past head",
	"beyond current head",
	"block range extends beyond",
	"greater than latest block",
	"greater than the current block",
	"after last accepted block",
	"block not found",
	"future block",
}

// IsPastHead reports whether err is a provider's "range ahead of head" error.
func IsPastHead(err error) bool {
	if err == nil {
		return false
	}
	if types.KindOf(err) == types.ErrPastChainHead {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range pastHeadMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// classify maps provider errors onto terminal error kinds.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if IsPastHead(err) {
		return types.WrapError(types.ErrPastChainHead, err, "%s", op)
	}
	return err
}

func isMethodNotFound(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == rpcMethodNotFound {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "method not found")
}
