// Package tappay runs contactless crypto charges on a point-of-sale
// terminal: it arms an NFC reader for a USD amount, hands the tapped phone an
// EIP-681 payment request and watches the chain for the matching transfer.
package tappay

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/tappay/arbiter"
	"github.com/vitwit/tappay/channel"
	"github.com/vitwit/tappay/guard"
	"github.com/vitwit/tappay/logger"
	"github.com/vitwit/tappay/metrics"
	"github.com/vitwit/tappay/monitor"
	"github.com/vitwit/tappay/notify"
	"github.com/vitwit/tappay/reader"
	"github.com/vitwit/tappay/selector"
	"github.com/vitwit/tappay/types"
)

// Engine is the main entry point. It owns one reader and runs at most one
// charge at a time.
type Engine struct {
	arbiter *arbiter.Arbiter
	monitor *monitor.Monitor
	guard   guard.AddressGuard
	sources *channel.Registry

	logger  logger.Logger
	metrics metrics.Recorder
	sink    notify.Sink

	channelConfig  channel.Config
	verifyInterval time.Duration
	tapTimeout     time.Duration
	sessionTimeout time.Duration
}

// New wires the reader, guard, token selector and chain sources into an
// Engine paying out to merchant.
func New(
	r reader.Reader,
	g guard.AddressGuard,
	sel selector.Selector,
	sources *channel.Registry,
	merchant string,
	opts ...Option,
) (*Engine, error) {
	e := &Engine{
		guard:          g,
		sources:        sources,
		logger:         logger.NoopLogger{},
		metrics:        metrics.NoopRecorder{},
		sink:           notify.NoopSink{},
		channelConfig:  channel.DefaultConfig(),
		verifyInterval: monitor.DefaultVerifyInterval,
		tapTimeout:     arbiter.DefaultTapTimeout,
		sessionTimeout: arbiter.DefaultSessionTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	ch := channel.New(sources,
		channel.WithLogger(e.logger),
		channel.WithMetrics(e.metrics),
		channel.WithConfig(e.channelConfig),
	)
	e.monitor = monitor.New(ch, sources,
		monitor.WithLogger(e.logger),
		monitor.WithMetrics(e.metrics),
		monitor.WithVerifyInterval(e.verifyInterval),
	)

	a, err := arbiter.New(r, g, sel, e.monitor, merchant,
		arbiter.WithLogger(e.logger),
		arbiter.WithMetrics(e.metrics),
		arbiter.WithTapTimeout(e.tapTimeout),
		arbiter.WithSessionTimeout(e.sessionTimeout),
	)
	if err != nil {
		return nil, err
	}
	e.arbiter = a
	return e, nil
}

// Charge arms the reader for amountUSD. The returned channel receives exactly
// one result and is then closed.
func (e *Engine) Charge(ctx context.Context, amountUSD decimal.Decimal) (<-chan types.ChargeResult, error) {
	results, err := e.arbiter.Arm(ctx, amountUSD)
	if err != nil {
		e.logger.Warn("charge not armed", map[string]any{"amount_usd": amountUSD.String(), "error": err})
		return nil, err
	}

	e.metrics.IncCounter(metrics.ChargeArmed, nil)
	if session, ok := e.arbiter.Session(); ok {
		e.sink.Notify(ctx, notify.EventFor(notify.EventArmed, session, nil, nil))
	}

	out := make(chan types.ChargeResult, 1)
	go func() {
		defer close(out)
		res, ok := <-results
		if !ok {
			return
		}
		e.record(res)
		out <- res
	}()
	return out, nil
}

// ChargeAndWait is Charge followed by waiting for the result. Cancelling ctx
// cancels the charge.
func (e *Engine) ChargeAndWait(ctx context.Context, amountUSD decimal.Decimal) (types.ChargeResult, error) {
	results, err := e.Charge(ctx, amountUSD)
	if err != nil {
		return types.ChargeResult{}, err
	}

	select {
	case res := <-results:
		return res, res.Err
	case <-ctx.Done():
		e.Cancel()
		res := <-results
		return res, res.Err
	}
}

// Cancel aborts the active charge, if any.
func (e *Engine) Cancel() bool {
	return e.arbiter.Cancel()
}

// Reset cancels the active charge and drops the in-flight address locks
// this terminal holds, for use after a hardware reset. Cooldowns are kept.
func (e *Engine) Reset(ctx context.Context) error {
	e.arbiter.Cancel()
	if err := e.guard.ClearAll(ctx); err != nil {
		return fmt.Errorf("clear address guard: %w", err)
	}
	e.logger.Info("engine reset", nil)
	return nil
}

// State reports the arbiter state.
func (e *Engine) State() arbiter.State {
	return e.arbiter.State()
}

// Session returns the active session, if any.
func (e *Engine) Session() (types.PaymentSession, bool) {
	return e.arbiter.Session()
}

// Close cancels any active charge and closes all chain clients.
func (e *Engine) Close() {
	e.arbiter.Close()
	e.sources.Close()
}

func (e *Engine) record(res types.ChargeResult) {
	status := res.Session.Status
	labels := map[string]string{"status": string(status)}
	if res.Session.ChainID != 0 {
		labels["chain"] = fmt.Sprint(res.Session.ChainID)
	}

	switch status {
	case types.StatusConfirmed:
		e.metrics.IncCounter(metrics.ChargeConfirmed, labels)
	case types.StatusRejected:
		e.metrics.IncCounter(metrics.ChargeRejected, labels)
	case types.StatusTimedOut:
		e.metrics.IncCounter(metrics.ChargeTimeout, labels)
	case types.StatusCancelled:
		e.metrics.IncCounter(metrics.ChargeCancelled, labels)
	}
	e.metrics.ObserveLatency(metrics.ChargeDuration, time.Since(res.Session.CreatedAt), labels)

	// Delivery to the sink outlives the caller's context.
	e.sink.Notify(context.Background(), notify.EventFor(notify.TypeFor(status), res.Session, res.Confirmation, res.Err))
}

// Version information
const (
	Version = "1.0.0"
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	chains := make([]string, 0, len(types.KnownChains()))
	for _, c := range types.KnownChains() {
		chains = append(chains, c.String())
	}
	return map[string]interface{}{
		"library_version":  Version,
		"supported_chains": chains,
		"request_format":   "eip681",
		"supported_standards": []string{
			"erc20", "native",
		},
	}
}
