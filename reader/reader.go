// Package reader adapts NFC readers into a stream of taps.
package reader

import (
	"context"
	"time"
)

// Card is the device currently in the reader's field.
type Card interface {
	// Transmit sends one APDU and returns the raw response including the
	// status word. Errors of kind types.ErrTransmissionFailed mean the
	// device left the field mid-exchange.
	Transmit(ctx context.Context, apdu []byte) ([]byte, error)
}

// Tap is one device presented to the reader.
type Tap struct {
	Card Card
	At   time.Time
}

// Handle is a started reader. No tap is delivered after Stop returns.
type Handle interface {
	Taps() <-chan Tap
	Stop()
}

// Reader is an NFC reader.
type Reader interface {
	Ready() bool
	Start(ctx context.Context) (Handle, error)
}
