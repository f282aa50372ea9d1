// Package guard tracks which customer addresses are being processed and which
// are cooling down after a successful payment.
package guard

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vitwit/tappay/types"
)

// Outcome of a processing attempt, passed to Release.
type Outcome int

const (
	Failure Outcome = iota
	Success
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// RejectReason explains why TryAcquire did not admit an address.
type RejectReason string

const (
	AlreadyProcessing RejectReason = "already_processing"
	InCooldown        RejectReason = "in_cooldown"
)

// Decision is the result of TryAcquire.
type Decision struct {
	Admitted   bool
	Reason     RejectReason
	RetryAfter time.Duration
}

// Err converts a rejection into an AddressBusy error, nil when admitted.
func (d Decision) Err(address string) error {
	if d.Admitted {
		return nil
	}
	e := types.NewError(types.ErrAddressBusy, "address %s rejected: %s", address, d.Reason)
	e.RetryAfter = d.RetryAfter
	return e
}

// AddressGuard is shared by every tap handler of a terminal (or, with the
// Redis implementation, of a merchant).
type AddressGuard interface {
	TryAcquire(ctx context.Context, address string) (Decision, error)
	// Release clears the in-flight marker. A cooldown starts only when
	// outcome is Success.
	Release(ctx context.Context, address string, outcome Outcome) error
	// ClearAll drops the in-flight markers held by this guard. Cooldowns
	// are kept.
	ClearAll(ctx context.Context) error
}

var _ AddressGuard = (*MemoryGuard)(nil)

type entry struct {
	inFlight      bool
	cooldownUntil time.Time
}

// MemoryGuard is the in-process AddressGuard.
type MemoryGuard struct {
	mu       sync.Mutex
	entries  map[string]*entry
	cooldown time.Duration
	now      func() time.Time
}

// NewMemoryGuard creates a guard applying cooldown after successful payments.
func NewMemoryGuard(cooldown time.Duration) *MemoryGuard {
	return &MemoryGuard{
		entries:  make(map[string]*entry),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (g *MemoryGuard) WithClock(now func() time.Time) *MemoryGuard {
	g.now = now
	return g
}

func key(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// TryAcquire implements AddressGuard.
func (g *MemoryGuard) TryAcquire(_ context.Context, address string) (Decision, error) {
	k := key(address)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[k]
	if !ok {
		e = &entry{}
		g.entries[k] = e
	}

	if e.inFlight {
		return Decision{Reason: AlreadyProcessing}, nil
	}
	if now.Before(e.cooldownUntil) {
		return Decision{Reason: InCooldown, RetryAfter: e.cooldownUntil.Sub(now)}, nil
	}

	e.inFlight = true
	return Decision{Admitted: true}, nil
}

// Release implements AddressGuard.
func (g *MemoryGuard) Release(_ context.Context, address string, outcome Outcome) error {
	k := key(address)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[k]
	if !ok {
		e = &entry{}
		g.entries[k] = e
	}
	e.inFlight = false
	if outcome == Success && g.cooldown > 0 {
		e.cooldownUntil = now.Add(g.cooldown)
	}

	g.pruneLocked(now)
	return nil
}

// ClearAll implements AddressGuard.
func (g *MemoryGuard) ClearAll(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, e := range g.entries {
		e.inFlight = false
	}
	g.pruneLocked(g.now())
	return nil
}

// InFlight reports whether address currently holds an in-flight marker.
func (g *MemoryGuard) InFlight(address string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key(address)]
	return ok && e.inFlight
}

func (g *MemoryGuard) pruneLocked(now time.Time) {
	for k, e := range g.entries {
		if !e.inFlight && !now.Before(e.cooldownUntil) {
			delete(g.entries, k)
		}
	}
}
