// Package arbiter drives one NFC reader through a payment: wait for a tap,
// read the customer's address, ask for the right token and amount, hand
// the request to the phone and wait for the transfer.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitwit/tappay/codec"
	"github.com/vitwit/tappay/guard"
	"github.com/vitwit/tappay/logger"
	"github.com/vitwit/tappay/metrics"
	"github.com/vitwit/tappay/reader"
	"github.com/vitwit/tappay/selector"
	"github.com/vitwit/tappay/types"
	"github.com/vitwit/tappay/utils"
)

// State of the arbiter.
type State int

const (
	Idle State = iota
	Armed
	TapPending
	AddressExtracted
	Dispatched
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case TapPending:
		return "tap_pending"
	case AddressExtracted:
		return "address_extracted"
	case Dispatched:
		return "dispatched"
	default:
		return "idle"
	}
}

const (
	DefaultTapTimeout     = 30 * time.Second
	DefaultSessionTimeout = 5 * time.Minute
	releaseTimeout        = 5 * time.Second
)

// Watcher waits for the on-chain transfer of a dispatched session.
type Watcher interface {
	Run(ctx context.Context, s types.PaymentSession) (*types.Confirmation, error)
}

type Option func(*Arbiter)

func WithLogger(l logger.Logger) Option {
	return func(a *Arbiter) {
		a.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(a *Arbiter) {
		a.metrics = r
	}
}

// WithTapTimeout bounds the wait for a tap that yields an admitted address.
func WithTapTimeout(d time.Duration) Option {
	return func(a *Arbiter) {
		a.tapTimeout = d
	}
}

// WithSessionTimeout sets the absolute deadline from arming to payment.
func WithSessionTimeout(d time.Duration) Option {
	return func(a *Arbiter) {
		a.sessionTimeout = d
	}
}

// WithAID overrides the application id selected on the phone.
func WithAID(aid []byte) Option {
	return func(a *Arbiter) {
		a.aid = aid
	}
}

// Arbiter owns one reader. At most one session is active at a time.
type Arbiter struct {
	reader    reader.Reader
	guard     guard.AddressGuard
	selector  selector.Selector
	watcher   Watcher
	recipient string

	aid            []byte
	tapTimeout     time.Duration
	sessionTimeout time.Duration
	log            logger.Logger
	metrics        metrics.Recorder

	mu     sync.Mutex
	state  State
	active *attempt
	wg     sync.WaitGroup
}

func New(r reader.Reader, g guard.AddressGuard, sel selector.Selector, w Watcher, recipient string, opts ...Option) (*Arbiter, error) {
	addr := utils.NormalizeAddress(recipient)
	if addr == "" {
		return nil, types.NewError(types.ErrInvalidAddress, "invalid merchant address %q", recipient)
	}
	a := &Arbiter{
		reader:         r,
		guard:          g,
		selector:       sel,
		watcher:        w,
		recipient:      addr,
		aid:            codec.DefaultAID,
		tapTimeout:     DefaultTapTimeout,
		sessionTimeout: DefaultSessionTimeout,
		log:            logger.NoopLogger{},
		metrics:        metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logger.With(a.log, map[string]any{"component": "arbiter"})
	return a, nil
}

// attempt is one armed session. Fields other than the channels are guarded
// by Arbiter.mu.
type attempt struct {
	session  types.PaymentSession
	handle   reader.Handle
	cancel   context.CancelFunc
	held     string
	finished bool
	result   chan types.ChargeResult
}

// State returns the current state.
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Session returns a copy of the active session, if any.
func (a *Arbiter) Session() (types.PaymentSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return types.PaymentSession{}, false
	}
	return a.active.session.Clone(), true
}

// Arm starts a session for amountUSD. The returned channel receives exactly
// one result and is then closed.
func (a *Arbiter) Arm(ctx context.Context, amountUSD decimal.Decimal) (<-chan types.ChargeResult, error) {
	if !amountUSD.IsPositive() {
		return nil, fmt.Errorf("amount must be positive: %s", amountUSD)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Idle {
		return nil, types.NewError(types.ErrAlreadyArmed, "reader is %s", a.state)
	}
	if !a.reader.Ready() {
		return nil, types.NewError(types.ErrHardwareUnavailable, "reader not ready")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle, err := a.reader.Start(runCtx)
	if err != nil {
		cancel()
		if types.KindOf(err) == "" {
			err = types.WrapError(types.ErrHardwareUnavailable, err, "start reader")
		}
		return nil, err
	}

	now := time.Now()
	at := &attempt{
		session: types.PaymentSession{
			ID:                uuid.NewString(),
			MerchantUSDAmount: amountUSD,
			RecipientAddress:  a.recipient,
			Status:            types.StatusArmed,
			CreatedAt:         now,
			Deadline:          now.Add(a.sessionTimeout),
		},
		handle: handle,
		cancel: cancel,
		result: make(chan types.ChargeResult, 1),
	}
	a.active = at
	a.state = Armed

	a.log.Info("armed", map[string]any{"session": at.session.ID, "amount_usd": amountUSD.StringFixed(2)})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(runCtx, at)
	}()
	return at.result, nil
}

// Cancel resolves the active session as cancelled, stops its reader handle
// and monitor and releases its address without cooldown. It reports
// whether a session was active.
func (a *Arbiter) Cancel() bool {
	a.mu.Lock()
	at := a.active
	a.mu.Unlock()
	if at == nil {
		return false
	}

	at.cancel()
	a.finish(at, types.NewError(types.ErrUserCancelled, "cancelled"), nil)
	return true
}

// Close cancels any active session and waits for its goroutine.
func (a *Arbiter) Close() {
	a.Cancel()
	a.wg.Wait()
}

func (a *Arbiter) setState(at *attempt, s State, status types.SessionStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != at {
		return
	}
	a.state = s
	if status != "" {
		at.session.Status = status
	}
}

func (a *Arbiter) update(at *attempt, fn func(*types.PaymentSession)) types.PaymentSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&at.session)
	return at.session.Clone()
}

// hold records address as held by at. It fails when at already finished,
// in which case the caller must release the address itself.
func (a *Arbiter) hold(at *attempt, address string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if at.finished {
		return false
	}
	at.held = address
	return true
}

// release hands the held address back to the guard exactly once.
func (a *Arbiter) release(at *attempt, outcome guard.Outcome) {
	a.mu.Lock()
	address := at.held
	at.held = ""
	a.mu.Unlock()

	if address == "" {
		return
	}
	a.releaseAddress(address, outcome)
}

func (a *Arbiter) releaseAddress(address string, outcome guard.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := a.guard.Release(ctx, address, outcome); err != nil {
		a.log.Error("release address failed", map[string]any{"address": address, "outcome": outcome.String(), "error": err})
	}
}

// finish resolves at once. Any held address is released with Failure
// unless conf is set.
func (a *Arbiter) finish(at *attempt, err error, conf *types.Confirmation) {
	a.mu.Lock()
	if at.finished {
		a.mu.Unlock()
		return
	}
	at.finished = true
	at.session.Status = statusFor(err)
	res := types.ChargeResult{Session: at.session.Clone(), Confirmation: conf, Err: err}
	if a.active == at {
		a.active = nil
		a.state = Idle
	}
	a.mu.Unlock()

	outcome := guard.Failure
	if err == nil {
		outcome = guard.Success
	}
	a.release(at, outcome)
	at.handle.Stop()

	fields := map[string]any{"session": res.Session.ID, "status": string(res.Session.Status)}
	if err != nil {
		fields["error"] = err
	}
	a.log.Info("session resolved", fields)

	at.result <- res
	close(at.result)
}

func statusFor(err error) types.SessionStatus {
	if err == nil {
		return types.StatusConfirmed
	}
	switch types.KindOf(err) {
	case types.ErrSessionTimeout:
		return types.StatusTimedOut
	case types.ErrUserCancelled:
		return types.StatusCancelled
	case types.ErrAddressBusy, types.ErrInvalidAddress, types.ErrNoViableToken:
		return types.StatusRejected
	default:
		return types.StatusError
	}
}

func (a *Arbiter) run(ctx context.Context, at *attempt) {
	a.mu.Lock()
	deadline := at.session.Deadline
	a.mu.Unlock()

	wait := a.tapTimeout
	if left := time.Until(deadline); left < wait {
		wait = left
	}
	tapTimer := time.NewTimer(wait)
	defer tapTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tapTimer.C:
			a.finish(at, types.NewError(types.ErrSessionTimeout, "no tap within %s", wait), nil)
			return
		case tap := <-at.handle.Taps():
			if a.handleTap(ctx, at, tap) {
				return
			}
		}
	}
}

// handleTap processes one tap. It returns false when the reader stays armed
// for another tap.
func (a *Arbiter) handleTap(ctx context.Context, at *attempt, tap reader.Tap) bool {
	a.setState(at, TapPending, "")

	addr, err := a.readAddress(ctx, tap.Card)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		var status *codec.StatusError
		switch {
		case types.KindOf(err) == types.ErrInvalidAddress:
			a.finish(at, err, nil)
		case types.KindOf(err).Retryable(), errors.As(err, &status):
			// the device left the field or has no wallet app selected
			a.retry(at, "read address", err)
			return false
		default:
			a.finish(at, types.WrapError(types.ErrReaderError, err, "read address"), nil)
		}
		return true
	}

	session := a.update(at, func(s *types.PaymentSession) {
		s.CustomerAddress = addr.Address
		s.Status = types.StatusTapReceived
	})
	a.setState(at, AddressExtracted, "")
	log := logger.With(a.log, map[string]any{"session": session.ID, "customer": addr.Address})

	decision, err := a.guard.TryAcquire(ctx, addr.Address)
	if err != nil {
		a.finish(at, types.WrapError(types.ErrAddressBusy, err, "address guard unavailable"), nil)
		return true
	}
	if !decision.Admitted {
		log.Info("address rejected", map[string]any{"reason": string(decision.Reason), "retry_after": decision.RetryAfter})
		a.finish(at, decision.Err(addr.Address), nil)
		return true
	}
	if !a.hold(at, addr.Address) {
		a.releaseAddress(addr.Address, guard.Failure)
		return true
	}

	sel, err := a.selector.SelectPaymentToken(ctx, addr.Address, session.MerchantUSDAmount, addr.ChainHint)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		if types.KindOf(err) != types.ErrNoViableToken {
			err = types.WrapError(types.ErrNoViableToken, err, "token selection failed")
		}
		a.finish(at, err, nil)
		return true
	}

	uri, err := codec.BuildPaymentURIUnits(sel.Amount, sel.Token.Address, a.recipient, sel.ChainID)
	if err != nil {
		a.finish(at, types.WrapError(types.ErrReaderError, err, "build payment request"), nil)
		return true
	}
	cmd, err := codec.PaymentCommand(uri)
	if err != nil {
		a.finish(at, types.WrapError(types.ErrReaderError, err, "frame payment request"), nil)
		return true
	}

	a.setState(at, Dispatched, "")
	log.Info("sending payment request", map[string]any{"uri": uri})

	if err := transmit(ctx, tap.Card, cmd); err != nil {
		if ctx.Err() != nil {
			return true
		}
		if types.KindOf(err).Retryable() {
			a.release(at, guard.Failure)
			a.retry(at, "send payment request", err)
			return false
		}
		a.finish(at, types.WrapError(types.ErrReaderError, err, "send payment request"), nil)
		return true
	}

	session = a.update(at, func(s *types.PaymentSession) {
		s.ChainID = sel.ChainID
		s.ExpectedToken = sel.Token
		s.ExpectedAmount = new(big.Int).Set(sel.Amount)
		s.Status = types.StatusAwaitingConfirmation
	})
	// the phone has the request; stop listening for taps
	at.handle.Stop()

	conf, err := a.watcher.Run(ctx, session)
	if ctx.Err() != nil {
		return true
	}
	a.finish(at, err, conf)
	return true
}

// retry puts the reader back to Armed after a transient failure.
func (a *Arbiter) retry(at *attempt, op string, err error) {
	a.metrics.IncCounter(metrics.TransmissionRetry, nil)
	a.log.Warn("tap failed, waiting for another", map[string]any{"op": op, "error": err})
	a.setState(at, Armed, types.StatusArmed)
}

func (a *Arbiter) readAddress(ctx context.Context, card reader.Card) (utils.TapAddress, error) {
	resp, err := card.Transmit(ctx, codec.SelectCommand(a.aid))
	if err != nil {
		return utils.TapAddress{}, err
	}
	data, _, err := codec.ParseResponse(resp)
	if err != nil {
		return utils.TapAddress{}, err
	}
	return utils.ParseTapAddress(string(data))
}

func transmit(ctx context.Context, card reader.Card, cmd []byte) error {
	resp, err := card.Transmit(ctx, cmd)
	if err != nil {
		return err
	}
	_, _, err = codec.ParseResponse(resp)
	return err
}
