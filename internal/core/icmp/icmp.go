// Package icmp builds the ICMPv4 error messages the router emits.
package icmp

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"

	"firestige.xyz/iprouter/internal/core"
	"firestige.xyz/iprouter/internal/core/codec"
)

// HeaderLen is the ICMP header: type, code, checksum and 4 unused bytes.
const HeaderLen = 8

// Message types (RFC 792).
const (
	TypeDestinationUnreachable uint8 = 3
	TypeTimeExceeded           uint8 = 11
)

// Codes used with the types above.
const (
	CodeNetUnreachable uint8 = 0
	CodeTTLExceeded    uint8 = 0
)

// TimeExceeded returns a Time Exceeded / TTL exceeded in transit message
// quoting original.
func TimeExceeded(original []byte) []byte {
	return errorMessage(TypeTimeExceeded, CodeTTLExceeded, original)
}

// DestinationUnreachable returns a Destination Unreachable message quoting
// original.
func DestinationUnreachable(code uint8, original []byte) []byte {
	return errorMessage(TypeDestinationUnreachable, code, original)
}

// Wrap encodes msg as the payload of an ICMP datagram. Protocol and TTL of h
// are overwritten; everything else is the caller's.
func Wrap(msg []byte, h core.Header) ([]byte, error) {
	h.Protocol = core.ProtocolICMP
	h.TTL = core.DefaultTTL
	return codec.Encode(h, msg)
}

// QuoteLen is how many bytes of original an error message carries: the IP
// header as announced by IHL plus the first 8 payload bytes, clamped to the
// datagram length.
func QuoteLen(original []byte) int {
	if len(original) == 0 {
		return 0
	}
	n := 8 + 4*int(original[0]&0x0F)
	if n > len(original) {
		n = len(original)
	}
	return n
}

func errorMessage(typ, code uint8, original []byte) []byte {
	quote := original[:QuoteLen(original)]

	msg := make([]byte, HeaderLen+len(quote))
	msg[0] = typ
	msg[1] = code
	// msg[2:4] checksum, msg[4:8] unused: both zero for now
	copy(msg[HeaderLen:], quote)

	binary.BigEndian.PutUint16(msg[2:4], ^checksum.Checksum(msg, 0))
	return msg
}
