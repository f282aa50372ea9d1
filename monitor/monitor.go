// Package monitor watches one payment session until a transfer with the
// exact expected token and amount is confirmed on chain.
package monitor

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vitwit/tappay/channel"
	"github.com/vitwit/tappay/clients"
	"github.com/vitwit/tappay/logger"
	"github.com/vitwit/tappay/metrics"
	"github.com/vitwit/tappay/types"
)

// State of a Monitor.
type State int

const (
	Idle State = iota
	Watching
	Confirmed
	TimedOut
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Watching:
		return "watching"
	case Confirmed:
		return "confirmed"
	case TimedOut:
		return "timed_out"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

const (
	DefaultSessionTimeout = 5 * time.Minute
	DefaultVerifyInterval = 2 * time.Second
)

type Option func(*Monitor)

func WithLogger(l logger.Logger) Option {
	return func(m *Monitor) {
		m.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(m *Monitor) {
		m.metrics = r
	}
}

// WithVerifyInterval sets how often a matched transaction's receipt is
// re-checked while it is still pending.
func WithVerifyInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.verifyInterval = d
	}
}

// Monitor runs at most one confirmation session at a time.
type Monitor struct {
	channel        *channel.Channel
	sources        *channel.Registry
	log            logger.Logger
	metrics        metrics.Recorder
	verifyInterval time.Duration

	mu    sync.Mutex
	state State
}

func New(ch *channel.Channel, sources *channel.Registry, opts ...Option) *Monitor {
	m := &Monitor{
		channel:        ch,
		sources:        sources,
		log:            logger.NoopLogger{},
		metrics:        metrics.NoopRecorder{},
		verifyInterval: DefaultVerifyInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the monitor's current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

type verdict struct {
	candidate types.CandidateTransfer
	status    clients.TxStatus
}

// Run watches for s.ExpectedAmount of s.ExpectedToken paid to
// s.RecipientAddress and blocks until one of:
//   - a matching transfer is mined successfully (returns its confirmation)
//   - s.Deadline passes (ErrSessionTimeout)
//   - ctx is cancelled (ErrUserCancelled)
//
// Transfers of a different token or amount are logged and ignored.
func (m *Monitor) Run(ctx context.Context, s types.PaymentSession) (*types.Confirmation, error) {
	if s.ExpectedAmount == nil || s.ExpectedAmount.Sign() <= 0 {
		return nil, types.NewError(types.ErrNoViableToken, "session %s has no expected amount", s.ID)
	}

	m.mu.Lock()
	if m.state == Watching {
		m.mu.Unlock()
		return nil, types.NewError(types.ErrAlreadyArmed, "monitor is already watching a session")
	}
	m.state = Watching
	m.mu.Unlock()

	if s.Expired(time.Now()) {
		m.setState(TimedOut)
		return nil, types.NewError(types.ErrSessionTimeout, "session %s expired before monitoring started", s.ID)
	}
	deadline := s.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(DefaultSessionTimeout)
	}

	log := logger.With(m.log, map[string]any{
		"component": "monitor",
		"session":   s.ID,
		"chain":     s.ChainID,
		"token":     s.ExpectedToken.Symbol,
		"amount":    s.ExpectedAmount.String(),
	})
	labels := map[string]string{"chain": strconv.FormatInt(s.ChainID, 10)}

	src, err := m.sources.Get(s.ChainID)
	if err != nil {
		m.setState(Failed)
		return nil, err
	}

	// chain calls made for this session never outlive its deadline
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	feed, err := m.channel.Start(runCtx, channel.Watch{
		ChainID:   s.ChainID,
		Recipient: s.RecipientAddress,
		Token:     s.ExpectedToken,
		Amount:    s.ExpectedAmount,
	})
	if err != nil {
		m.setState(Failed)
		return nil, err
	}
	defer feed.Stop()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	verdicts := make(chan verdict)
	verifying := make(map[string]struct{})
	candidates := feed.C()

	log.Info("watching for payment", map[string]any{"recipient": s.RecipientAddress, "deadline": deadline})

	for {
		select {
		case <-ctx.Done():
			m.setState(Stopped)
			log.Info("monitoring cancelled", nil)
			return nil, types.WrapError(types.ErrUserCancelled, ctx.Err(), "session %s cancelled", s.ID)

		case <-timer.C:
			m.setState(TimedOut)
			log.Warn("no matching payment before deadline", nil)
			return nil, types.NewError(types.ErrSessionTimeout, "no payment for session %s by %s", s.ID, deadline.Format(time.RFC3339))

		case c, ok := <-candidates:
			if !ok {
				candidates = nil
				continue
			}
			if !Matches(s, c) {
				m.metrics.IncCounter(metrics.TransferMismatch, labels)
				log.Info("ignoring non-matching transfer", map[string]any{"transfer": c.String()})
				continue
			}
			hash := strings.ToLower(c.TxHash)
			if _, busy := verifying[hash]; busy {
				continue
			}
			verifying[hash] = struct{}{}

			if c.State == types.TransferMined {
				status, err := src.TransactionStatus(runCtx, c.TxHash)
				if err == nil && status == clients.TxSuccess {
					return m.confirm(s, c, labels, log), nil
				}
				if err == nil && status == clients.TxFailed {
					log.Warn("matching transfer reverted", map[string]any{"tx": c.TxHash})
					continue
				}
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				m.verify(runCtx, src, c, verdicts)
			}()

		case v := <-verdicts:
			if v.status == clients.TxSuccess {
				return m.confirm(s, v.candidate, labels, log), nil
			}
			log.Warn("matching transfer reverted", map[string]any{"tx": v.candidate.TxHash})
		}
	}
}

// verify polls the receipt of c until it is mined or ctx is done.
func (m *Monitor) verify(ctx context.Context, src clients.ChainSource, c types.CandidateTransfer, out chan<- verdict) {
	ticker := time.NewTicker(m.verifyInterval)
	defer ticker.Stop()

	for {
		status, err := src.TransactionStatus(ctx, c.TxHash)
		if err == nil && status != clients.TxPending {
			select {
			case out <- verdict{candidate: c, status: status}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) confirm(s types.PaymentSession, c types.CandidateTransfer, labels map[string]string, log logger.Logger) *types.Confirmation {
	m.setState(Confirmed)
	if !s.CreatedAt.IsZero() {
		m.metrics.ObserveLatency(metrics.ConfirmationLatency, time.Since(s.CreatedAt), labels)
	}
	log.Info("payment confirmed", map[string]any{"tx": c.TxHash})

	return &types.Confirmation{
		TxHash:       c.TxHash,
		TokenSymbol:  s.ExpectedToken.Symbol,
		TokenAddress: s.ExpectedToken.Address,
		Decimals:     s.ExpectedToken.Decimals,
		Amount:       c.Amount,
		ChainID:      s.ChainID,
		BlockNumber:  c.BlockNumber,
	}
}

// Matches reports whether c pays exactly what s expects: the same token,
// compared case-insensitively, and the same amount in smallest units.
func Matches(s types.PaymentSession, c types.CandidateTransfer) bool {
	if c.Amount == nil || s.ExpectedAmount == nil {
		return false
	}
	if c.To != "" && !strings.EqualFold(c.To, s.RecipientAddress) {
		return false
	}
	if !s.ExpectedToken.SameAddress(c.Token) {
		return false
	}
	return c.Amount.Cmp(s.ExpectedAmount) == 0
}
