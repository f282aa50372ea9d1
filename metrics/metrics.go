package metrics

import "time"

// Counter and latency names recorded by the terminal.
const (
	ChargeArmed         = "charge_armed"
	ChargeConfirmed     = "charge_confirmed"
	ChargeRejected      = "charge_rejected"
	ChargeTimeout       = "charge_timeout"
	ChargeCancelled     = "charge_cancelled"
	ChannelFallback     = "channel_fallback"
	ChannelReconnect    = "channel_reconnect"
	TransferMismatch    = "transfer_mismatch"
	TransmissionRetry   = "transmission_retry"
	ChargeDuration      = "charge_duration"
	ConfirmationLatency = "confirmation_latency"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
