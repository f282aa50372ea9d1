package guard

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisGuardKeys(t *testing.T) {
	g := NewRedisGuard(nil, " shop-7: ", time.Minute, 0)
	assert.Equal(t, "shop-7:inflight:0xabcdef", g.inFlightKey("0xABCDEF"))
	assert.Equal(t, "shop-7:cooldown:0xabcdef", g.cooldownKey("0xabcdef"))
	assert.Equal(t, 10*time.Minute, g.leaseTTL)

	g = NewRedisGuard(nil, "", time.Minute, time.Second)
	assert.Equal(t, "tappay:guard:inflight:0x1", g.inFlightKey("0x1"))
	assert.NotEqual(t, g.owner, NewRedisGuard(nil, "", time.Minute, time.Second).owner)
}

func TestRedisGuardClearAllWithNothingHeld(t *testing.T) {
	g := NewRedisGuard(nil, "shop-7", time.Minute, 0)
	assert.NoError(t, g.ClearAll(context.Background()))
}

// newRedisGuard connects to TAPPAY_TEST_REDIS_URL and isolates the test
// under a random prefix.
func newRedisGuard(t *testing.T, cooldown time.Duration) *RedisGuard {
	t.Helper()
	url := os.Getenv("TAPPAY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TAPPAY_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	return NewRedisGuard(client, "test-"+uuid.NewString(), cooldown, time.Minute)
}

func TestRedisGuardSequence(t *testing.T) {
	g := newRedisGuard(t, time.Minute)
	ctx := context.Background()
	const addr = "0xF39fd6e51aad88F6F4ce6aB8827279cffFb92266"

	d, err := g.TryAcquire(ctx, addr)
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	d, err = g.TryAcquire(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessing, d.Reason)

	require.NoError(t, g.Release(ctx, addr, Failure))
	d, err = g.TryAcquire(ctx, addr)
	require.NoError(t, err)
	assert.True(t, d.Admitted, "failure leaves no cooldown")

	require.NoError(t, g.Release(ctx, addr, Success))
	d, err = g.TryAcquire(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, InCooldown, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestRedisGuardClearAllKeepsCooldowns(t *testing.T) {
	g := newRedisGuard(t, time.Minute)
	other := NewRedisGuard(g.client, g.prefix, time.Minute, time.Minute)
	ctx := context.Background()

	d, err := other.TryAcquire(ctx, "0x03")
	require.NoError(t, err)
	require.True(t, d.Admitted)

	_, err = g.TryAcquire(ctx, "0x01")
	require.NoError(t, err)
	_, err = g.TryAcquire(ctx, "0x02")
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, "0x02", Success))

	require.NoError(t, g.ClearAll(ctx))

	d, err = g.TryAcquire(ctx, "0x01")
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	d, err = g.TryAcquire(ctx, "0x02")
	require.NoError(t, err)
	assert.Equal(t, InCooldown, d.Reason)

	d, err = g.TryAcquire(ctx, "0x03")
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessing, d.Reason, "another terminal's lock survives")
}

func TestRedisGuardReleaseLeavesForeignLock(t *testing.T) {
	g := newRedisGuard(t, time.Minute)
	other := NewRedisGuard(g.client, g.prefix, time.Minute, time.Minute)
	ctx := context.Background()

	d, err := other.TryAcquire(ctx, "0x04")
	require.NoError(t, err)
	require.True(t, d.Admitted)

	require.NoError(t, g.Release(ctx, "0x04", Failure))
	d, err = g.TryAcquire(ctx, "0x04")
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessing, d.Reason)

	require.NoError(t, other.Release(ctx, "0x04", Failure))
	d, err = g.TryAcquire(ctx, "0x04")
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}
