package reader

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vitwit/tappay/codec"
	"github.com/vitwit/tappay/types"
)

var errNotStarted = errors.New("simulated reader is not started")

// Sim is an in-memory reader driven by Present.
type Sim struct {
	mu     sync.Mutex
	ready  bool
	handle *simHandle
}

var _ Reader = (*Sim)(nil)

func NewSim() *Sim {
	return &Sim{ready: true}
}

// SetReady simulates the reader being plugged in or removed.
func (s *Sim) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

func (s *Sim) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Sim) Start(context.Context) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return nil, types.NewError(types.ErrHardwareUnavailable, "simulated reader unplugged")
	}
	if s.handle != nil {
		s.handle.stop()
	}
	h := &simHandle{
		owner: s,
		taps:  make(chan Tap, 1),
		quit:  make(chan struct{}),
	}
	s.handle = h
	return h, nil
}

// Present delivers card as a tap to the running handle. It blocks until
// the tap is taken or the handle stops.
func (s *Sim) Present(ctx context.Context, card Card) error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return errNotStarted
	}

	select {
	case h.taps <- Tap{Card: card, At: time.Now()}:
		return nil
	case <-h.quit:
		return errNotStarted
	case <-ctx.Done():
		return ctx.Err()
	}
}

type simHandle struct {
	owner *Sim
	taps  chan Tap
	quit  chan struct{}
	once  sync.Once
}

func (h *simHandle) Taps() <-chan Tap { return h.taps }

func (h *simHandle) Stop() {
	h.owner.mu.Lock()
	if h.owner.handle == h {
		h.owner.handle = nil
	}
	h.owner.mu.Unlock()
	h.stop()
}

func (h *simHandle) stop() {
	h.once.Do(func() { close(h.quit) })
}

// SimCard is a phone running the payment applet.
type SimCard struct {
	// Address is returned to SELECT, in any accepted encoding.
	Address string
	// PaymentErr is returned by the first n payment commands, where n is
	// FailPayments.
	PaymentErr   error
	FailPayments int
	// PaymentSW is the status word for payment commands, 0x9000 if zero.
	PaymentSW uint16

	mu       sync.Mutex
	received []string
}

var _ Card = (*SimCard)(nil)

func (c *SimCard) Transmit(ctx context.Context, apdu []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bytes.Equal(apdu, codec.SelectCommand(codec.DefaultAID)) {
		return codec.Respond([]byte(c.Address), codec.StatusOK), nil
	}

	uri, err := codec.ParsePaymentCommand(apdu)
	if err != nil {
		return codec.Respond(nil, 0x6D00), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailPayments > 0 {
		c.FailPayments--
		return nil, c.PaymentErr
	}
	c.received = append(c.received, uri)

	sw := c.PaymentSW
	if sw == 0 {
		sw = codec.StatusOK
	}
	return codec.Respond(nil, sw), nil
}

// Received returns the payment URIs the card accepted.
func (c *SimCard) Received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.received...)
}
