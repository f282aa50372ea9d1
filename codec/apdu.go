package codec

import (
	"encoding/binary"
	"fmt"
)

// StatusOK is the success status word.
const StatusOK uint16 = 0x9000

// DefaultAID is the application id the phone's payment applet registers for.
var DefaultAID = []byte{0xF2, 0x22, 0x22, 0x22, 0x22}

// PaymentCommandCode prefixes every payment request frame.
var PaymentCommandCode = [4]byte{0x80, 0xCF, 0x00, 0x00}

// SelectCommand builds an ISO 7816-4 SELECT by name for aid. The applet
// answers with the customer's address followed by the status word.
func SelectCommand(aid []byte) []byte {
	cmd := make([]byte, 0, 6+len(aid))
	cmd = append(cmd, 0x00, 0xA4, 0x04, 0x00, byte(len(aid)))
	cmd = append(cmd, aid...)
	return append(cmd, 0x00)
}

// PaymentCommand frames uri as an NDEF record behind the payment command code.
func PaymentCommand(uri string) ([]byte, error) {
	frame, err := FrameForTransmission(uri)
	if err != nil {
		return nil, err
	}
	cmd := make([]byte, 0, len(PaymentCommandCode)+len(frame))
	cmd = append(cmd, PaymentCommandCode[:]...)
	return append(cmd, frame...), nil
}

// ParsePaymentCommand strips the command code and decodes the URI.
func ParsePaymentCommand(cmd []byte) (string, error) {
	if len(cmd) < len(PaymentCommandCode) || [4]byte(cmd[:4]) != PaymentCommandCode {
		return "", fmt.Errorf("not a payment command")
	}
	return ParseFrame(cmd[4:])
}

// StatusError is a non-success status word returned by the device.
type StatusError struct {
	SW uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("device returned status 0x%04X", e.SW)
}

// ParseResponse splits a response into its data and 2-byte status trailer.
// A non-0x9000 status yields a *StatusError along with the data.
func ParseResponse(resp []byte) ([]byte, uint16, error) {
	if len(resp) < 2 {
		return nil, 0, fmt.Errorf("response too short: %d bytes", len(resp))
	}
	n := len(resp) - 2
	sw := binary.BigEndian.Uint16(resp[n:])
	data := resp[:n]
	if sw != StatusOK {
		return data, sw, &StatusError{SW: sw}
	}
	return data, sw, nil
}

// Respond appends sw to data, the inverse of ParseResponse.
func Respond(data []byte, sw uint16) []byte {
	out := make([]byte, len(data)+2)
	copy(out, data)
	binary.BigEndian.PutUint16(out[len(data):], sw)
	return out
}
