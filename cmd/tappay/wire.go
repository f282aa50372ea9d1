package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vitwit/tappay"
	"github.com/vitwit/tappay/channel"
	"github.com/vitwit/tappay/clients"
	"github.com/vitwit/tappay/config"
	"github.com/vitwit/tappay/guard"
	"github.com/vitwit/tappay/logger"
	"github.com/vitwit/tappay/metrics"
	"github.com/vitwit/tappay/notify"
	"github.com/vitwit/tappay/reader"
	"github.com/vitwit/tappay/selector"
)

// terminal is everything built from one config. close releases what the
// engine does not own.
type terminal struct {
	engine  *tappay.Engine
	reader  reader.Reader
	closers []func()
}

func (t *terminal) close() {
	t.engine.Close()
	for i := len(t.closers) - 1; i >= 0; i-- {
		t.closers[i]()
	}
}

// sim returns the simulated reader when the terminal runs without hardware.
func (t *terminal) sim() (*reader.Sim, bool) {
	s, ok := t.reader.(*reader.Sim)
	return s, ok
}

func build(ctx context.Context, cfg *config.Config, log logger.Logger, rec metrics.Recorder) (*terminal, error) {
	t := &terminal{}
	fail := func(err error) (*terminal, error) {
		for i := len(t.closers) - 1; i >= 0; i-- {
			t.closers[i]()
		}
		return nil, err
	}

	sources := channel.NewRegistry()
	t.closers = append(t.closers, sources.Close)
	balances := make(map[int64]clients.BalanceReader, len(cfg.Chains))
	for _, c := range cfg.Chains {
		client, err := clients.NewEVMClient(ctx, c.ID, c.RPCURL, c.WSURL, log)
		if err != nil {
			return fail(fmt.Errorf("chain %d: %w", c.ID, err))
		}
		if err := sources.Add(client); err != nil {
			client.Close()
			return fail(err)
		}
		balances[c.ID] = client
	}

	tokens := make([]selector.PricedToken, 0, len(cfg.Tokens))
	for _, tc := range cfg.Tokens {
		price, err := tc.Price()
		if err != nil {
			return fail(fmt.Errorf("token %s: %w", tc.Symbol, err))
		}
		tokens = append(tokens, selector.PricedToken{ChainID: tc.ChainID, Token: tc.Token(), PriceUSD: price})
	}
	sel := selector.NewPriceTable(tokens, balances, log)

	var g guard.AddressGuard
	switch cfg.Guard.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Guard.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("guard redis url: %w", err))
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fail(fmt.Errorf("guard redis ping: %w", err))
		}
		t.closers = append(t.closers, func() { client.Close() })
		g = guard.NewRedisGuard(client, cfg.Guard.Prefix, cfg.Guard.Cooldown, cfg.Guard.LeaseTTL)
	default:
		g = guard.NewMemoryGuard(cfg.Guard.Cooldown)
	}

	switch cfg.Reader.Driver {
	case "pcsc":
		r, err := reader.NewPCSCReader(cfg.Reader.Name, log)
		if err != nil {
			return fail(err)
		}
		t.closers = append(t.closers, func() { r.Close() })
		t.reader = r
	default:
		t.reader = reader.NewSim()
	}

	sinks := notify.Multi{notify.LogSink{Log: log}}
	if cfg.Notify.AMQPURL != "" {
		s, err := notify.NewAMQPSink(cfg.Notify.AMQPURL, cfg.Notify.Exchange, log)
		if err != nil {
			return fail(fmt.Errorf("status sink: %w", err))
		}
		t.closers = append(t.closers, s.Close)
		sinks = append(sinks, s)
	}

	chCfg := channel.Config{
		MaxReconnectAttempts: cfg.Channel.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Channel.ReconnectDelay,
		ConnectTimeout:       cfg.Channel.ConnectTimeout,
		PollInterval:         cfg.Channel.PollInterval,
		RequeryDepth:         cfg.Channel.RequeryDepth,
	}

	engine, err := tappay.New(t.reader, g, sel, sources, cfg.Merchant.Address,
		tappay.WithLogger(log),
		tappay.WithMetrics(rec),
		tappay.WithSink(sinks),
		tappay.WithChannelConfig(chCfg),
		tappay.WithVerifyInterval(cfg.Channel.VerifyInterval),
		tappay.WithTapTimeout(cfg.Reader.TapTimeout),
		tappay.WithSessionTimeout(cfg.Session.Timeout),
	)
	if err != nil {
		return fail(err)
	}
	t.engine = engine
	// The engine closes the chain sources itself.
	t.closers = t.closers[1:]
	return t, nil
}
