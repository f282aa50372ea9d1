// Package notify publishes session status events to the UI and telemetry.
// Delivery is best effort; a sink never reports failure to the caller.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vitwit/tappay/logger"
	"github.com/vitwit/tappay/types"
	"github.com/vitwit/tappay/utils"
)

// EventType keys status events.
type EventType string

const (
	EventArmed     EventType = "armed"
	EventConfirmed EventType = "confirmed"
	EventRejected  EventType = "rejected"
	EventTimeout   EventType = "timeout"
	EventCancelled EventType = "cancelled"
	EventError     EventType = "error"
)

// Event is one status notification.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	AmountUSD string    `json:"amount_usd"`
	ChainID   int64     `json:"chain_id,omitempty"`
	Customer  string    `json:"customer,omitempty"`
	Token     string    `json:"token,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Display   string    `json:"display_amount,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives events. Notify must not block for long.
type Sink interface {
	Notify(ctx context.Context, e Event)
}

// EventFor builds the event describing s in state typ.
func EventFor(typ EventType, s types.PaymentSession, conf *types.Confirmation, err error) Event {
	e := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		SessionID: s.ID,
		AmountUSD: s.MerchantUSDAmount.StringFixed(2),
		ChainID:   s.ChainID,
		Customer:  s.CustomerAddress,
		Timestamp: time.Now().UTC(),
	}
	if s.ExpectedAmount != nil {
		e.Token = s.ExpectedToken.Symbol
		e.Amount = s.ExpectedAmount.String()
		e.Display = utils.FromSmallestUnits(s.ExpectedAmount, s.ExpectedToken.Decimals).String()
	}
	if conf != nil {
		e.TxHash = conf.TxHash
	}
	if err != nil {
		e.ErrorKind = string(types.KindOf(err))
		e.Error = err.Error()
	}
	return e
}

// TypeFor maps a terminal session status to its event type.
func TypeFor(status types.SessionStatus) EventType {
	switch status {
	case types.StatusArmed:
		return EventArmed
	case types.StatusConfirmed:
		return EventConfirmed
	case types.StatusRejected:
		return EventRejected
	case types.StatusTimedOut:
		return EventTimeout
	case types.StatusCancelled:
		return EventCancelled
	default:
		return EventError
	}
}

type NoopSink struct{}

func (NoopSink) Notify(context.Context, Event) {}

// LogSink writes events to a logger.
type LogSink struct {
	Log logger.Logger
}

func (s LogSink) Notify(_ context.Context, e Event) {
	fields := map[string]any{
		"event":      string(e.Type),
		"session":    e.SessionID,
		"amount_usd": e.AmountUSD,
	}
	if e.TxHash != "" {
		fields["tx"] = e.TxHash
	}
	if e.Error != "" {
		fields["error"] = e.Error
	}
	s.Log.Info("session event", fields)
}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, s := range m {
		s.Notify(ctx, e)
	}
}
