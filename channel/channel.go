// Package channel delivers candidate transfers to a recipient, first over a
// push subscription and, when that cannot be kept up, by polling block
// ranges.
package channel

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitwit/tappay/clients"
	"github.com/vitwit/tappay/logger"
	"github.com/vitwit/tappay/metrics"
	"github.com/vitwit/tappay/types"
	"github.com/vitwit/tappay/utils"
)

// Mode is the transport a Feed is currently using.
type Mode int32

const (
	ModePush Mode = iota
	ModePoll
)

func (m Mode) String() string {
	if m == ModePush {
		return "push"
	}
	return "poll"
}

// Config tunes the transports. Zero PollInterval and RequeryDelay take the
// chain's values from the network registry.
type Config struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ConnectTimeout       time.Duration
	PollInterval         time.Duration
	RequeryDelay         time.Duration
	// RequeryDepth is how many blocks up to a new head are re-queried for
	// token Transfer logs.
	RequeryDepth uint64
}

func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       3 * time.Second,
		ConnectTimeout:       10 * time.Second,
		RequeryDepth:         5,
	}
}

// Watch describes what a Feed looks for.
type Watch struct {
	ChainID   int64
	Recipient string
	Token     types.Token
	// Amount is informational; matching is the monitor's job.
	Amount *big.Int
}

type Option func(*Channel)

func WithLogger(l logger.Logger) Option {
	return func(c *Channel) {
		c.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Channel) {
		c.metrics = r
	}
}

func WithConfig(cfg Config) Option {
	return func(c *Channel) {
		c.cfg = cfg
	}
}

// Channel starts feeds against the sources in a Registry.
type Channel struct {
	sources *Registry
	cfg     Config
	log     logger.Logger
	metrics metrics.Recorder
}

func New(sources *Registry, opts ...Option) *Channel {
	c := &Channel{
		sources: sources,
		cfg:     DefaultConfig(),
		log:     logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.MaxReconnectAttempts <= 0 {
		c.cfg.MaxReconnectAttempts = 1
	}
	return c
}

// subscribeCapable is implemented by sources that know whether a push
// endpoint is configured.
type subscribeCapable interface {
	CanSubscribe() bool
}

// Start reads the current head and begins delivering candidates for w.
// It fails with ErrChannelUnsupported when no source serves the chain and
// with ErrChannelConnectFailed when the head cannot be read.
func (c *Channel) Start(ctx context.Context, w Watch) (*Feed, error) {
	recipient := utils.NormalizeAddress(w.Recipient)
	if recipient == "" {
		return nil, types.NewError(types.ErrInvalidAddress, "invalid recipient %q", w.Recipient)
	}
	w.Recipient = recipient

	src, err := c.sources.Get(w.ChainID)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	head, err := src.GetBlockNumber(connectCtx)
	cancel()
	if err != nil {
		return nil, types.WrapError(types.ErrChannelConnectFailed, err, "read head of chain %d", w.ChainID)
	}

	chain := types.ChainOrDefault(w.ChainID)
	cfg := c.cfg
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = chain.PollInterval
	}
	if cfg.RequeryDelay <= 0 {
		cfg.RequeryDelay = chain.RequeryDelay
	}

	mode := ModePoll
	sub, ok := src.(clients.Subscriber)
	if ok && chain.PushSupported {
		mode = ModePush
		if sc, ok := src.(subscribeCapable); ok && !sc.CanSubscribe() {
			mode = ModePoll
		}
	}

	runCtx, stop := context.WithCancel(ctx)
	f := &Feed{
		watch:      w,
		cfg:        cfg,
		src:        src,
		sub:        sub,
		startBlock: head,
		next:       head,
		out:        make(chan types.CandidateTransfer, 16),
		seen:       make(map[seenKey]struct{}),
		cancel:     stop,
		done:       make(chan struct{}),
		labels:     map[string]string{"chain": strconv.FormatInt(w.ChainID, 10)},
		metrics:    c.metrics,
		log: logger.With(c.log, map[string]any{
			"component": "channel",
			"chain":     w.ChainID,
			"recipient": recipient,
		}),
	}
	f.mode.Store(int32(mode))

	f.log.Info("confirmation channel started", map[string]any{"mode": mode.String(), "start_block": head})
	go f.run(runCtx)
	return f, nil
}

type seenKey struct {
	hash  string
	state types.ConfirmationState
}

// Feed is one running confirmation channel.
type Feed struct {
	watch      Watch
	cfg        Config
	src        clients.ChainSource
	sub        clients.Subscriber
	startBlock uint64
	log        logger.Logger
	metrics    metrics.Recorder
	labels     map[string]string

	mode atomic.Int32

	// owned by the run goroutine
	next uint64
	seen map[seenKey]struct{}

	out    chan types.CandidateTransfer
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// C delivers candidates. It is closed once the feed has stopped.
func (f *Feed) C() <-chan types.CandidateTransfer {
	return f.out
}

// Mode returns the transport in use.
func (f *Feed) Mode() Mode {
	return Mode(f.mode.Load())
}

// StartBlock is the chain head observed when the feed started.
func (f *Feed) StartBlock() uint64 {
	return f.startBlock
}

// Stop shuts the feed down and waits for its goroutine. Nothing is sent on
// C after Stop returns. Safe to call more than once.
func (f *Feed) Stop() {
	f.once.Do(f.cancel)
	<-f.done
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	defer close(f.out)

	if f.Mode() == ModePush {
		if !f.runPush(ctx) {
			return
		}
		f.mode.Store(int32(ModePoll))
		f.metrics.IncCounter(metrics.ChannelFallback, f.labels)
		f.log.Warn("push transport exhausted, falling back to polling", map[string]any{
			"attempts": f.cfg.MaxReconnectAttempts,
		})
	}
	f.runPoll(ctx)
}

// emit delivers c unless an identical (hash, state) was already delivered.
// It returns false when ctx is done.
func (f *Feed) emit(ctx context.Context, c types.CandidateTransfer) bool {
	key := seenKey{hash: strings.ToLower(c.TxHash), state: c.State}
	if _, dup := f.seen[key]; dup {
		return true
	}
	select {
	case f.out <- c:
		f.seen[key] = struct{}{}
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *Feed) String() string {
	return fmt.Sprintf("feed(chain=%d recipient=%s mode=%s)", f.watch.ChainID, f.watch.Recipient, f.Mode())
}
