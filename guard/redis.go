package guard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// acquireScript returns {0, 0} when admitted, {1, 0} when the address is in
// flight and {2, ttl_ms} when it is cooling down.
var acquireScript = redis.NewScript(`
local ttl = redis.call("PTTL", KEYS[2])
if ttl > 0 then
  return {2, ttl}
end
if redis.call("SET", KEYS[1], ARGV[2], "NX", "PX", ARGV[1]) then
  return {0, 0}
end
return {1, 0}
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[2] then
  redis.call("DEL", KEYS[1])
end
if tonumber(ARGV[1]) > 0 then
  redis.call("SET", KEYS[2], "1", "PX", ARGV[1])
end
return 1
`)

// clearScript deletes the in-flight markers among KEYS still owned by ARGV[1].
var clearScript = redis.NewScript(`
local n = 0
for _, k in ipairs(KEYS) do
  if redis.call("GET", k) == ARGV[1] then
    n = n + redis.call("DEL", k)
  end
end
return n
`)

var _ AddressGuard = (*RedisGuard)(nil)

// RedisGuard shares in-flight markers and cooldowns between terminals.
// In-flight markers expire after leaseTTL so a crashed terminal cannot hold
// an address forever. Each marker stores the owning guard's id, and a guard
// only ever deletes its own markers.
type RedisGuard struct {
	client   redis.UniversalClient
	prefix   string
	owner    string
	cooldown time.Duration
	leaseTTL time.Duration

	mu   sync.Mutex
	held map[string]struct{}
}

// NewRedisGuard creates a Redis-backed guard.
func NewRedisGuard(client redis.UniversalClient, prefix string, cooldown, leaseTTL time.Duration) *RedisGuard {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "tappay:guard"
	}
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	return &RedisGuard{
		client:   client,
		prefix:   trimmed,
		owner:    uuid.NewString(),
		cooldown: cooldown,
		leaseTTL: leaseTTL,
		held:     make(map[string]struct{}),
	}
}

func (r *RedisGuard) inFlightKey(address string) string {
	return fmt.Sprintf("%s:inflight:%s", r.prefix, key(address))
}

func (r *RedisGuard) cooldownKey(address string) string {
	return fmt.Sprintf("%s:cooldown:%s", r.prefix, key(address))
}

// TryAcquire implements AddressGuard.
func (r *RedisGuard) TryAcquire(ctx context.Context, address string) (Decision, error) {
	raw, err := acquireScript.Run(ctx, r.client,
		[]string{r.inFlightKey(address), r.cooldownKey(address)},
		r.leaseTTL.Milliseconds(), r.owner,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("guard acquire: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("unexpected guard response shape: %T", raw)
	}
	code, ok := values[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected guard code type: %T", values[0])
	}
	ttl, ok := values[1].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected guard ttl type: %T", values[1])
	}

	switch code {
	case 0:
		r.mu.Lock()
		r.held[r.inFlightKey(address)] = struct{}{}
		r.mu.Unlock()
		return Decision{Admitted: true}, nil
	case 1:
		return Decision{Reason: AlreadyProcessing}, nil
	case 2:
		return Decision{Reason: InCooldown, RetryAfter: time.Duration(ttl) * time.Millisecond}, nil
	default:
		return Decision{}, fmt.Errorf("unexpected guard code %d", code)
	}
}

// Release implements AddressGuard.
func (r *RedisGuard) Release(ctx context.Context, address string, outcome Outcome) error {
	var cooldownMs int64
	if outcome == Success {
		cooldownMs = r.cooldown.Milliseconds()
	}
	inFlight := r.inFlightKey(address)
	err := releaseScript.Run(ctx, r.client,
		[]string{inFlight, r.cooldownKey(address)},
		cooldownMs, r.owner,
	).Err()
	if err != nil {
		return fmt.Errorf("guard release: %w", err)
	}
	r.mu.Lock()
	delete(r.held, inFlight)
	r.mu.Unlock()
	return nil
}

// ClearAll implements AddressGuard. It drops the in-flight markers this
// guard acquired; other terminals sharing the prefix keep theirs.
func (r *RedisGuard) ClearAll(ctx context.Context) error {
	r.mu.Lock()
	keys := make([]string, 0, len(r.held))
	for k := range r.held {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}

	if err := clearScript.Run(ctx, r.client, keys, r.owner).Err(); err != nil {
		return fmt.Errorf("guard clear: %w", err)
	}
	r.mu.Lock()
	for _, k := range keys {
		delete(r.held, k)
	}
	r.mu.Unlock()
	return nil
}
