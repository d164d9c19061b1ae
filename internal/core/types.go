// Package core defines core types with zero external dependencies.
package core

import "net/netip"

// Protocol is the IPv4 protocol field.
type Protocol uint8

const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return "unknown"
	}
}

const (
	// HeaderLen is the only header size produced or understood: IHL=5, no options.
	HeaderLen = 20
	// MaxDatagramLen is the largest value the total length field can hold.
	MaxDatagramLen = 65535
	// MaxPayloadLen leaves room for the fixed header.
	MaxPayloadLen = MaxDatagramLen - HeaderLen

	// DefaultTTL is used for locally originated datagrams and ICMP replies.
	DefaultTTL = 64

	// VersionIHL is version 4 with a five-word header.
	VersionIHL = 0x45
)

// Header is the fixed 20-byte IPv4 header (L3).
type Header struct {
	Version     uint8 // upper nibble of byte 0
	IHL         uint8 // header length in 32-bit words, lower nibble of byte 0
	DSCPECN     uint8
	TotalLen    uint16 // header + payload bytes
	ID          uint16
	FlagsOffset uint16 // flags(3) + fragment offset(13); zero for local datagrams
	TTL         uint8
	Protocol    Protocol
	Checksum    uint16
	SrcIP       netip.Addr
	DstIP       netip.Addr
}

// HeaderBytes returns the header length announced by IHL, in bytes.
func (h Header) HeaderBytes() int {
	return int(h.IHL) * 4
}
