package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/vitwit/tappay/config"
	"github.com/vitwit/tappay/logger"
	"github.com/vitwit/tappay/metrics"
	"github.com/vitwit/tappay/reader"
	"github.com/vitwit/tappay/types"
)

func serveCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the terminal, taking commands from stdin",
		Long: `Run the terminal and read one command per line from stdin:

  <usd>        arm the reader for a charge, e.g. "12.50"
  cancel       cancel the active charge
  reset        cancel and release the address locks this terminal holds
  tap <addr>   simulate a phone tap (sim driver only)

Results are printed as JSON lines. Metrics are served at /metrics when
--metrics-addr or metrics.listen is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Metrics.Listen = metricsAddr
			}

			log, err := logger.NewZapLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			rec, err := metrics.NewPrometheusRecorder(reg)
			if err != nil {
				return err
			}

			term, err := build(ctx, cfg, log, rec)
			if err != nil {
				return err
			}
			defer term.close()

			if cfg.Metrics.Listen != "" {
				srv := &http.Server{
					Addr:              cfg.Metrics.Listen,
					Handler:           metricsMux(reg),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("metrics server failed", map[string]any{"addr": srv.Addr, "error": err})
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.Info("serving metrics", map[string]any{"addr": srv.Addr})
			}

			var sim *reader.Sim
			if s, ok := term.sim(); ok {
				sim = s
			}
			return serveLoop(ctx, term.engine, sim, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9102")
	return cmd
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// charger is the part of the engine the command loop drives.
type charger interface {
	Charge(ctx context.Context, amountUSD decimal.Decimal) (<-chan types.ChargeResult, error)
	Cancel() bool
	Reset(ctx context.Context) error
}

// serveLoop runs until in is exhausted or ctx is cancelled. A pending
// result is printed before returning.
func serveLoop(ctx context.Context, eng charger, sim *reader.Sim, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	var results <-chan types.ChargeResult
	for {
		select {
		case <-ctx.Done():
			if results != nil {
				eng.Cancel()
				printResult(out, <-results)
			}
			return nil

		case res, ok := <-results:
			if ok {
				printResult(out, res)
			}
			results = nil

		case line, ok := <-lines:
			if !ok {
				if results != nil {
					printResult(out, <-results)
				}
				return nil
			}
			if ch := handleLine(ctx, eng, sim, line, out); ch != nil {
				results = ch
			}
		}
	}
}

func handleLine(ctx context.Context, eng charger, sim *reader.Sim, line string, out io.Writer) <-chan types.ChargeResult {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch strings.ToLower(fields[0]) {
	case "cancel":
		if !eng.Cancel() {
			fmt.Fprintln(out, `{"error":"no active charge"}`)
		}
	case "reset":
		if err := eng.Reset(ctx); err != nil {
			fmt.Fprintf(out, "{\"error\":%q}\n", err.Error())
		}
	case "tap":
		if sim == nil || len(fields) != 2 {
			fmt.Fprintln(out, `{"error":"usage: tap <address> (sim driver only)"}`)
			return nil
		}
		tapCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := sim.Present(tapCtx, &reader.SimCard{Address: fields[1]}); err != nil {
			fmt.Fprintf(out, "{\"error\":%q}\n", "tap: "+err.Error())
		}
	default:
		amount, err := parseAmount(fields[0])
		if err != nil {
			fmt.Fprintf(out, "{\"error\":%q}\n", err.Error())
			return nil
		}
		ch, err := eng.Charge(ctx, amount)
		if err != nil {
			fmt.Fprintf(out, "{\"error\":%q}\n", err.Error())
			return nil
		}
		fmt.Fprintf(out, "{\"status\":%q,\"amount_usd\":%q}\n", types.StatusArmed, amount.StringFixed(2))
		return ch
	}
	return nil
}
