package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is a stable error code surfaced to callers.
type ErrorKind string

// Error kinds
const (
	ErrHardwareUnavailable  ErrorKind = "HARDWARE_UNAVAILABLE"
	ErrAlreadyArmed         ErrorKind = "ALREADY_ARMED"
	ErrInvalidAddress       ErrorKind = "INVALID_ADDRESS"
	ErrAddressBusy          ErrorKind = "ADDRESS_BUSY"
	ErrNoViableToken        ErrorKind = "NO_VIABLE_TOKEN"
	ErrTransmissionFailed   ErrorKind = "TRANSMISSION_FAILED"
	ErrReaderError          ErrorKind = "READER_ERROR"
	ErrChannelConnectFailed ErrorKind = "CHANNEL_CONNECT_FAILED"
	ErrChannelUnsupported   ErrorKind = "CHANNEL_UNSUPPORTED"
	ErrPastChainHead        ErrorKind = "PAST_CHAIN_HEAD"
	ErrSessionTimeout       ErrorKind = "SESSION_TIMEOUT"
	ErrUserCancelled        ErrorKind = "USER_CANCELLED"
)

// Error implements error so a bare kind can be used as an errors.Is target:
//
//	errors.Is(err, types.ErrAddressBusy)
func (k ErrorKind) Error() string {
	return string(k)
}

// Retryable reports whether the kind is recovered locally instead of
// terminating a session.
func (k ErrorKind) Retryable() bool {
	return k == ErrTransmissionFailed || k == ErrPastChainHead
}

// Error carries a stable kind plus human readable detail.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// RetryAfter is set for AddressBusy rejections caused by a cooldown.
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Err        error         `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error or an ErrorKind with the same kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case ErrorKind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// NewError builds an *Error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k ErrorKind
	if errors.As(err, &k) {
		return k
	}
	return ""
}
