package codec

import (
	"fmt"
	"strings"
)

// NDEF short record constants.
const (
	// MB | ME | SR with TNF 0x01 (well-known type).
	ndefHeaderWellKnownShort byte = 0xD1
	ndefTypeLength           byte = 0x01
	ndefTypeURI              byte = 'U'
	uriAbbrevNone            byte = 0x00

	ndefHeaderLen = 4
	// One payload length byte minus the abbreviation byte.
	maxURILength = 0xFF - 1
)

// URI identifier codes from the NFC Forum URI record type definition.
var uriPrefixes = map[byte]string{
	0x00: "",
	0x01: "http://www.",
	0x02: "https://www.",
	0x03: "http://",
	0x04: "https://",
	0x05: "tel:",
	0x06: "mailto:",
}

// FrameForTransmission wraps uri in a single NDEF short URI record:
//
//	[0xD1][0x01][len(uri)+1]['U'][0x00][uri...]
func FrameForTransmission(uri string) ([]byte, error) {
	if uri == "" {
		return nil, fmt.Errorf("uri is empty")
	}
	if len(uri) > maxURILength {
		return nil, fmt.Errorf("uri too long for a short record: %d bytes", len(uri))
	}

	frame := make([]byte, 0, ndefHeaderLen+1+len(uri))
	frame = append(frame,
		ndefHeaderWellKnownShort,
		ndefTypeLength,
		byte(len(uri)+1),
		ndefTypeURI,
		uriAbbrevNone,
	)
	frame = append(frame, uri...)
	return frame, nil
}

// ParseFrame decodes a single NDEF short URI record back into its URI.
func ParseFrame(frame []byte) (string, error) {
	if len(frame) < ndefHeaderLen+1 {
		return "", fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	header := frame[0]
	if header&0x10 == 0 {
		return "", fmt.Errorf("not a short record: header 0x%02x", header)
	}
	if header&0x07 != 0x01 {
		return "", fmt.Errorf("not a well-known type: tnf %d", header&0x07)
	}
	if header&0x08 != 0 {
		return "", fmt.Errorf("id length field not supported")
	}
	if frame[1] != ndefTypeLength || frame[3] != ndefTypeURI {
		return "", fmt.Errorf("not a URI record")
	}

	payloadLen := int(frame[2])
	payload := frame[ndefHeaderLen:]
	if payloadLen < 1 || len(payload) != payloadLen {
		return "", fmt.Errorf("payload length %d does not match %d bytes", payloadLen, len(payload))
	}

	prefix, ok := uriPrefixes[payload[0]]
	if !ok {
		return "", fmt.Errorf("unknown uri identifier code 0x%02x", payload[0])
	}

	var b strings.Builder
	b.Grow(len(prefix) + len(payload) - 1)
	b.WriteString(prefix)
	b.Write(payload[1:])
	return b.String(), nil
}
