package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/vitwit/tappay/config"
	"github.com/vitwit/tappay/logger"
	"github.com/vitwit/tappay/metrics"
	"github.com/vitwit/tappay/reader"
	"github.com/vitwit/tappay/types"
	"github.com/vitwit/tappay/utils"
)

func chargeCmd() *cobra.Command {
	var tapAddress string

	cmd := &cobra.Command{
		Use:   "charge [usd]",
		Short: "Arm the reader for one charge and wait for the payment",
		Long: `Arm the reader for one charge and wait for the on-chain payment.
Ctrl-C cancels the charge.

Examples:
  tappay charge 12.50 -c tappay.yaml
  tappay charge 10 --tap eip155:8453:0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logger.NewZapLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			term, err := build(ctx, cfg, log, metrics.NoopRecorder{})
			if err != nil {
				return err
			}
			defer term.close()

			if tapAddress != "" {
				sim, ok := term.sim()
				if !ok {
					return fmt.Errorf("--tap needs the sim reader driver")
				}
				go presentAfterArm(ctx, sim, tapAddress)
			}

			res, err := term.engine.ChargeAndWait(ctx, amount)
			printResult(cmd.OutOrStdout(), res)
			return err
		},
	}

	cmd.Flags().StringVar(&tapAddress, "tap", "", "simulate a phone tap with this address (sim driver only)")
	return cmd
}

// parseAmount reads a positive USD amount.
func parseAmount(s string) (decimal.Decimal, error) {
	amount, err := utils.ValidateAmount(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be positive: %s", s)
	}
	return amount, nil
}

func presentAfterArm(ctx context.Context, sim *reader.Sim, address string) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := sim.Present(ctx, &reader.SimCard{Address: address}); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type resultView struct {
	Session   string `json:"session"`
	Status    string `json:"status"`
	AmountUSD string `json:"amount_usd"`
	Customer  string `json:"customer,omitempty"`
	ChainID   int64  `json:"chain_id,omitempty"`
	Token     string `json:"token,omitempty"`
	Amount    string `json:"amount,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	Error     string `json:"error,omitempty"`
}

func printResult(w io.Writer, res types.ChargeResult) {
	v := resultView{
		Session:   res.Session.ID,
		Status:    string(res.Session.Status),
		AmountUSD: res.Session.MerchantUSDAmount.StringFixed(2),
		Customer:  res.Session.CustomerAddress,
		ChainID:   res.Session.ChainID,
	}
	if c := res.Confirmation; c != nil {
		v.Token = c.TokenSymbol
		v.Amount = utils.FromSmallestUnits(c.Amount, c.Decimals).String()
		v.TxHash = c.TxHash
	}
	if res.Err != nil {
		v.Error = res.Err.Error()
	}
	enc := json.NewEncoder(w)
	enc.Encode(v)
}
