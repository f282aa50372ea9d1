package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/tappay/types"
)

const addrA = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestGuard(cooldown time.Duration) (*MemoryGuard, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewMemoryGuard(cooldown).WithClock(clock.Now), clock
}

func TestAcquireTwiceRejectsSecond(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(time.Minute)

	d, err := g.TryAcquire(ctx, addrA)
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	d, err = g.TryAcquire(ctx, addrA)
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, AlreadyProcessing, d.Reason)
}

func TestAddressKeyIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(time.Minute)

	d, _ := g.TryAcquire(ctx, addrA)
	require.True(t, d.Admitted)

	d, _ = g.TryAcquire(ctx, "0XF39FD6E51AAD88F6F4CE6AB8827279CFFFB92266")
	assert.False(t, d.Admitted)
	assert.True(t, g.InFlight("0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"))
}

func TestReleaseSuccessAppliesCooldown(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGuard(30 * time.Second)

	d, _ := g.TryAcquire(ctx, addrA)
	require.True(t, d.Admitted)
	require.NoError(t, g.Release(ctx, addrA, Success))

	clock.Advance(10 * time.Second)
	d, _ = g.TryAcquire(ctx, addrA)
	assert.False(t, d.Admitted)
	assert.Equal(t, InCooldown, d.Reason)
	assert.Equal(t, 20*time.Second, d.RetryAfter)

	err := d.Err(addrA)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrAddressBusy)
	var te *types.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 20*time.Second, te.RetryAfter)

	clock.Advance(20 * time.Second)
	d, _ = g.TryAcquire(ctx, addrA)
	assert.True(t, d.Admitted)
}

func TestReleaseFailureIsImmediatelyRetryable(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(time.Minute)

	d, _ := g.TryAcquire(ctx, addrA)
	require.True(t, d.Admitted)
	require.NoError(t, g.Release(ctx, addrA, Failure))

	d, _ = g.TryAcquire(ctx, addrA)
	assert.True(t, d.Admitted)
	assert.NoError(t, d.Err(addrA))
}

func TestClearAllKeepsCooldowns(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(time.Minute)
	const addrB = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"

	d, _ := g.TryAcquire(ctx, addrA)
	require.True(t, d.Admitted)
	require.NoError(t, g.Release(ctx, addrA, Success))

	d, _ = g.TryAcquire(ctx, addrB)
	require.True(t, d.Admitted)

	require.NoError(t, g.ClearAll(ctx))

	d, _ = g.TryAcquire(ctx, addrB)
	assert.True(t, d.Admitted, "in-flight marker should be cleared")

	d, _ = g.TryAcquire(ctx, addrA)
	assert.False(t, d.Admitted, "cooldown should survive ClearAll")
	assert.Equal(t, InCooldown, d.Reason)
}

func TestConcurrentAcquireAdmitsExactlyOne(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGuard(time.Minute)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := g.TryAcquire(ctx, addrA)
			if err == nil && d.Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}
