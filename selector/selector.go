// Package selector chooses which token and exact amount a customer is asked
// to pay with.
package selector

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vitwit/tappay/clients"
	"github.com/vitwit/tappay/logger"
	"github.com/vitwit/tappay/types"
	"github.com/vitwit/tappay/utils"
)

// Selector picks a token the customer can pay amountUSD with. chainHint is
// the chain the customer's device asked for, 0 if none. It fails with
// ErrNoViableToken when no balance is sufficient.
type Selector interface {
	SelectPaymentToken(ctx context.Context, customer string, amountUSD decimal.Decimal, chainHint int64) (types.Selection, error)
}

// Func adapts a function to Selector.
type Func func(ctx context.Context, customer string, amountUSD decimal.Decimal, chainHint int64) (types.Selection, error)

func (f Func) SelectPaymentToken(ctx context.Context, customer string, amountUSD decimal.Decimal, chainHint int64) (types.Selection, error) {
	return f(ctx, customer, amountUSD, chainHint)
}

// PricedToken is an accepted token with a fixed USD price per whole token.
type PricedToken struct {
	ChainID  int64
	Token    types.Token
	PriceUSD decimal.Decimal
}

// PriceTable selects from a fixed list of accepted tokens, in order, taking
// the first one whose on-chain balance covers the exact amount. Tokens on
// the hinted chain are tried first.
type PriceTable struct {
	tokens   []PricedToken
	balances map[int64]clients.BalanceReader
	log      logger.Logger
}

var _ Selector = (*PriceTable)(nil)

func NewPriceTable(tokens []PricedToken, balances map[int64]clients.BalanceReader, log logger.Logger) *PriceTable {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &PriceTable{
		tokens:   tokens,
		balances: balances,
		log:      logger.With(log, map[string]any{"component": "selector"}),
	}
}

func (p *PriceTable) SelectPaymentToken(ctx context.Context, customer string, amountUSD decimal.Decimal, chainHint int64) (types.Selection, error) {
	if !amountUSD.IsPositive() {
		return types.Selection{}, types.NewError(types.ErrNoViableToken, "amount must be positive: %s", amountUSD)
	}

	for _, pt := range p.ordered(chainHint) {
		units, err := utils.UnitsForUSD(amountUSD, pt.PriceUSD, pt.Token.Decimals)
		if err != nil || units.Sign() <= 0 {
			continue
		}

		reader, ok := p.balances[pt.ChainID]
		if !ok {
			continue
		}
		bal, err := reader.BalanceOf(ctx, pt.Token.Address, customer)
		if err != nil {
			if ctx.Err() != nil {
				return types.Selection{}, ctx.Err()
			}
			p.log.Warn("balance lookup failed", map[string]any{
				"chain": pt.ChainID, "token": pt.Token.Symbol, "error": err,
			})
			continue
		}
		if bal.Cmp(units) < 0 {
			continue
		}

		sel := types.Selection{Token: pt.Token, Amount: units, ChainID: pt.ChainID}
		if err := utils.ValidateSelection(&sel); err != nil {
			p.log.Warn("skipping misconfigured token", map[string]any{"token": pt.Token.Symbol, "error": err})
			continue
		}
		p.log.Debug("token selected", map[string]any{
			"customer": customer, "chain": pt.ChainID, "token": pt.Token.Symbol, "units": units.String(),
		})
		return sel, nil
	}

	return types.Selection{}, types.NewError(types.ErrNoViableToken,
		"no accepted token covers %s USD for %s", amountUSD.StringFixed(2), strings.ToLower(customer))
}

func (p *PriceTable) ordered(chainHint int64) []PricedToken {
	if chainHint == 0 {
		return p.tokens
	}
	out := make([]PricedToken, 0, len(p.tokens))
	for _, pt := range p.tokens {
		if pt.ChainID == chainHint {
			out = append(out, pt)
		}
	}
	for _, pt := range p.tokens {
		if pt.ChainID != chainHint {
			out = append(out, pt)
		}
	}
	return out
}
