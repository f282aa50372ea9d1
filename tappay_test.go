package tappay

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/tappay/channel"
	"github.com/vitwit/tappay/clients"
	"github.com/vitwit/tappay/guard"
	"github.com/vitwit/tappay/metrics"
	"github.com/vitwit/tappay/notify"
	"github.com/vitwit/tappay/reader"
	"github.com/vitwit/tappay/selector"
	"github.com/vitwit/tappay/types"
)

const (
	merchant = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	customer = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
	usdcOP   = "0x0b2c639c533813f4aa9d7837caf62653d097ff85"
	payTx    = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

var usdc = types.Token{Address: usdcOP, Symbol: "USDC", Decimals: 6}

// pollSource is an Optimism source whose head advances on every read and
// which reports the payment once paid is set.
type pollSource struct {
	head atomic.Uint64
	paid atomic.Bool
}

func (p *pollSource) ChainID() int64 { return types.ChainOptimism }
func (p *pollSource) Close()         {}

func (p *pollSource) GetBlockNumber(context.Context) (uint64, error) {
	return p.head.Add(1), nil
}

func (p *pollSource) GetAssetTransfers(_ context.Context, recipient string, from, _ uint64) ([]types.CandidateTransfer, error) {
	if !p.paid.Load() {
		return nil, nil
	}
	block := from
	return []types.CandidateTransfer{{
		TxHash: payTx, From: customer, To: strings.ToLower(recipient),
		Token: usdcOP, Amount: big.NewInt(12_500_000),
		State: types.TransferMined, BlockNumber: &block,
	}}, nil
}

func (p *pollSource) GetTokenTransfers(context.Context, string, string, uint64, uint64) ([]types.CandidateTransfer, error) {
	return nil, nil
}

func (p *pollSource) TransactionStatus(context.Context, string) (clients.TxStatus, error) {
	return clients.TxSuccess, nil
}

func (p *pollSource) BalanceOf(context.Context, string, string) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Notify(_ context.Context, e notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingSink) kinds() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) IncCounter(name string, _ map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[name]++
}

func (c *countingRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

func (c *countingRecorder) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

type engineFixture struct {
	sim     *reader.Sim
	src     *pollSource
	guard   *guard.MemoryGuard
	sink    *recordingSink
	metrics *countingRecorder
	engine  *Engine
}

func newEngine(t *testing.T, opts ...Option) *engineFixture {
	t.Helper()
	f := &engineFixture{
		sim:     reader.NewSim(),
		src:     &pollSource{},
		guard:   guard.NewMemoryGuard(time.Minute),
		sink:    &recordingSink{},
		metrics: &countingRecorder{},
	}
	f.src.head.Store(100)

	reg := channel.NewRegistry()
	require.NoError(t, reg.Add(f.src))

	sel := selector.NewPriceTable(
		[]selector.PricedToken{{ChainID: types.ChainOptimism, Token: usdc, PriceUSD: decimal.NewFromInt(1)}},
		map[int64]clients.BalanceReader{types.ChainOptimism: f.src},
		nil,
	)

	opts = append([]Option{
		WithSink(f.sink),
		WithMetrics(f.metrics),
		WithVerifyInterval(5 * time.Millisecond),
		WithChannelConfig(channel.Config{
			MaxReconnectAttempts: 5,
			ReconnectDelay:       time.Millisecond,
			ConnectTimeout:       time.Second,
			PollInterval:         5 * time.Millisecond,
			RequeryDelay:         time.Millisecond,
			RequeryDepth:         5,
		}),
	}, opts...)

	e, err := New(f.sim, f.guard, sel, reg, merchant, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	f.engine = e
	return f
}

func (f *engineFixture) tap(t *testing.T, address string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.sim.Present(ctx, &reader.SimCard{Address: address}))
}

func wait(t *testing.T, ch <-chan types.ChargeResult) types.ChargeResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("no result")
		return types.ChargeResult{}
	}
}

func TestChargeConfirmedOverPoll(t *testing.T) {
	f := newEngine(t)

	ch, err := f.engine.Charge(context.Background(), decimal.RequireFromString("12.50"))
	require.NoError(t, err)

	f.tap(t, "eip155:10:"+customer)
	require.Eventually(t, func() bool {
		s, ok := f.engine.Session()
		return ok && s.ExpectedAmount != nil
	}, time.Second, 5*time.Millisecond)
	f.src.paid.Store(true)

	r := wait(t, ch)
	require.True(t, r.OK(), "err: %v", r.Err)
	assert.Equal(t, payTx, r.Confirmation.TxHash)
	assert.Equal(t, types.ChainOptimism, r.Confirmation.ChainID)
	assert.Equal(t, "12500000", r.Confirmation.Amount.String())
	assert.Equal(t, types.StatusConfirmed, r.Session.Status)

	require.Eventually(t, func() bool { return len(f.sink.kinds()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []notify.EventType{notify.EventArmed, notify.EventConfirmed}, f.sink.kinds())
	assert.Equal(t, 1, f.metrics.count(metrics.ChargeArmed))
	assert.Equal(t, 1, f.metrics.count(metrics.ChargeConfirmed))

	_, open := <-ch
	assert.False(t, open)
}

func TestChargeAndWaitCancelledByContext(t *testing.T) {
	f := newEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	r, err := f.engine.ChargeAndWait(ctx, decimal.NewFromInt(5))
	assert.ErrorIs(t, err, types.ErrUserCancelled)
	assert.Equal(t, types.StatusCancelled, r.Session.Status)
	assert.Equal(t, 1, f.metrics.count(metrics.ChargeCancelled))
}

func TestChargeWhileArmed(t *testing.T) {
	f := newEngine(t)
	_, err := f.engine.Charge(context.Background(), decimal.NewFromInt(5))
	require.NoError(t, err)

	_, err = f.engine.Charge(context.Background(), decimal.NewFromInt(5))
	assert.ErrorIs(t, err, types.ErrAlreadyArmed)
	assert.Equal(t, 1, f.metrics.count(metrics.ChargeArmed))
}

func TestSessionTimeoutPublished(t *testing.T) {
	f := newEngine(t, WithSessionTimeout(80*time.Millisecond))

	ch, err := f.engine.Charge(context.Background(), decimal.NewFromInt(5))
	require.NoError(t, err)
	f.tap(t, customer)

	r := wait(t, ch)
	assert.ErrorIs(t, r.Err, types.ErrSessionTimeout)
	assert.Equal(t, types.StatusTimedOut, r.Session.Status)
	require.Eventually(t, func() bool { return len(f.sink.kinds()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, notify.EventTimeout, f.sink.kinds()[1])
	assert.Equal(t, 1, f.metrics.count(metrics.ChargeTimeout))
}

func TestResetClearsGuard(t *testing.T) {
	f := newEngine(t)

	ch, err := f.engine.Charge(context.Background(), decimal.NewFromInt(5))
	require.NoError(t, err)
	f.tap(t, customer)
	require.Eventually(t, func() bool { return f.guard.InFlight(customer) }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.engine.Reset(context.Background()))
	r := wait(t, ch)
	assert.Equal(t, types.StatusCancelled, r.Session.Status)
	assert.False(t, f.guard.InFlight(customer))

	d, err := f.guard.TryAcquire(context.Background(), customer)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestNewRejectsBadMerchant(t *testing.T) {
	_, err := New(reader.NewSim(), guard.NewMemoryGuard(0), selector.Func(nil), channel.NewRegistry(), "0x1234")
	assert.ErrorIs(t, err, types.ErrInvalidAddress)
}

func TestGetVersion(t *testing.T) {
	v := GetVersion()
	assert.Equal(t, Version, v["library_version"])
}

func TestResetKeepsCooldowns(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()

	d, err := f.guard.TryAcquire(ctx, customer)
	require.NoError(t, err)
	require.True(t, d.Admitted)
	require.NoError(t, f.guard.Release(ctx, customer, guard.Success))

	require.NoError(t, f.engine.Reset(ctx))
	d, err = f.guard.TryAcquire(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, guard.InCooldown, d.Reason)
}
