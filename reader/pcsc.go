package reader

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ebfe/scard"
	"github.com/vitwit/tappay/logger"
	"github.com/vitwit/tappay/types"
)

// statusChangeTimeout bounds each wait for a card so Stop is noticed even
// when the PC/SC service does not honour Cancel.
const statusChangeTimeout = time.Second

// PCSCReader is a contactless reader behind the PC/SC service.
type PCSCReader struct {
	ctx  *scard.Context
	name string
	log  logger.Logger

	mu     sync.Mutex
	handle *pcscHandle
}

var _ Reader = (*PCSCReader)(nil)

// NewPCSCReader connects to the PC/SC service and binds to the reader
// called name, or to the first reader found when name is empty.
func NewPCSCReader(name string, log logger.Logger) (*PCSCReader, error) {
	if log == nil {
		log = logger.NoopLogger{}
	}
	sctx, err := scard.EstablishContext()
	if err != nil {
		return nil, types.WrapError(types.ErrHardwareUnavailable, err, "establish pc/sc context")
	}

	readers, err := sctx.ListReaders()
	if err != nil {
		sctx.Release()
		return nil, types.WrapError(types.ErrHardwareUnavailable, err, "list readers")
	}
	switch {
	case len(readers) == 0:
		sctx.Release()
		return nil, types.NewError(types.ErrHardwareUnavailable, "no pc/sc readers attached")
	case name == "":
		name = readers[0]
	case !slices.Contains(readers, name):
		sctx.Release()
		return nil, types.NewError(types.ErrHardwareUnavailable, "reader %q not found in %v", name, readers)
	}

	return &PCSCReader{
		ctx:  sctx,
		name: name,
		log:  logger.With(log, map[string]any{"component": "pcsc", "reader": name}),
	}, nil
}

// Name of the bound reader.
func (r *PCSCReader) Name() string {
	return r.name
}

// Ready reports whether the PC/SC context is valid and the reader is still
// attached.
func (r *PCSCReader) Ready() bool {
	if ok, err := r.ctx.IsValid(); err != nil || !ok {
		return false
	}
	readers, err := r.ctx.ListReaders()
	if err != nil {
		return false
	}
	return slices.Contains(readers, r.name)
}

// Start begins waiting for cards. Each card is connected once and reported
// as a tap; the next tap is reported only after it leaves the field.
func (r *PCSCReader) Start(ctx context.Context) (Handle, error) {
	if !r.Ready() {
		return nil, types.NewError(types.ErrHardwareUnavailable, "reader %q not ready", r.name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle != nil {
		r.handle.Stop()
	}

	hctx, cancel := context.WithCancel(ctx)
	h := &pcscHandle{
		reader: r,
		taps:   make(chan Tap),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.handle = h
	go h.run(hctx)
	return h, nil
}

// Close stops any running handle and releases the PC/SC context.
func (r *PCSCReader) Close() error {
	r.mu.Lock()
	h := r.handle
	r.handle = nil
	r.mu.Unlock()
	if h != nil {
		h.Stop()
	}
	return r.ctx.Release()
}

type pcscHandle struct {
	reader *PCSCReader
	taps   chan Tap
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (h *pcscHandle) Taps() <-chan Tap { return h.taps }

func (h *pcscHandle) Stop() {
	h.once.Do(func() {
		h.cancel()
		_ = h.reader.ctx.Cancel()
	})
	<-h.done
}

func (h *pcscHandle) run(ctx context.Context) {
	defer close(h.done)

	r := h.reader
	for {
		if !h.waitFor(ctx, scard.StatePresent) {
			return
		}

		card, err := r.ctx.Connect(r.name, scard.ShareShared, scard.ProtocolAny)
		if err != nil {
			r.log.Warn("connect to card failed", map[string]any{"error": err})
		} else {
			select {
			case h.taps <- Tap{Card: &pcscCard{card: card}, At: time.Now()}:
			case <-ctx.Done():
				card.Disconnect(scard.LeaveCard)
				return
			}
		}

		if !h.waitFor(ctx, scard.StateEmpty) {
			if card != nil {
				card.Disconnect(scard.LeaveCard)
			}
			return
		}
		if card != nil {
			card.Disconnect(scard.LeaveCard)
		}
	}
}

// waitFor blocks until the reader reaches want. It returns false when ctx
// is done.
func (h *pcscHandle) waitFor(ctx context.Context, want scard.StateFlag) bool {
	r := h.reader
	states := []scard.ReaderState{{Reader: r.name, CurrentState: scard.StateUnaware}}

	for {
		if ctx.Err() != nil {
			return false
		}
		err := r.ctx.GetStatusChange(states, statusChangeTimeout)
		switch {
		case err == nil:
		case errors.Is(err, scard.ErrTimeout):
			continue
		case errors.Is(err, scard.ErrCancelled):
			return false
		default:
			r.log.Warn("status change failed", map[string]any{"error": err})
			select {
			case <-ctx.Done():
				return false
			case <-time.After(statusChangeTimeout):
			}
			continue
		}

		if states[0].EventState&want != 0 {
			return true
		}
		states[0].CurrentState = states[0].EventState
	}
}

type pcscCard struct {
	mu   sync.Mutex
	card *scard.Card
}

// Transmit implements Card. A card that was removed or reset mid-exchange
// yields ErrTransmissionFailed.
func (c *pcscCard) Transmit(ctx context.Context, apdu []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.card.Transmit(apdu)
	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, scard.ErrRemovedCard), errors.Is(err, scard.ErrResetCard),
		errors.Is(err, scard.ErrNoSmartcard), errors.Is(err, scard.ErrUnpoweredCard):
		return nil, types.WrapError(types.ErrTransmissionFailed, err, "card left the field")
	default:
		return nil, types.WrapError(types.ErrReaderError, err, "transmit %s", fmt.Sprintf("% X", apdu[:min(len(apdu), 4)]))
	}
}
