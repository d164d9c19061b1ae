// Package codec builds and parses fixed-size IPv4 datagrams.
package codec

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"

	"firestige.xyz/iprouter/internal/core"
)

// Header field offsets (RFC 791).
const (
	offVersionIHL  = 0
	offDSCPECN     = 1
	offTotalLen    = 2
	offID          = 4
	offFlagsOffset = 6
	offTTL         = 8
	offProtocol    = 9
	offChecksum    = 10
	offSrc         = 12
	offDst         = 16
)

// Encode packs h and payload into a datagram.
//
// Version/IHL is always 0x45 and TotalLen always 20+len(payload), whatever h
// carries. The checksum is computed with the checksum field zeroed and then
// inserted, so h.Checksum is ignored.
func Encode(h core.Header, payload []byte) ([]byte, error) {
	if len(payload) > core.MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", core.ErrPayloadTooLarge, len(payload))
	}
	if !h.SrcIP.Is4() || !h.DstIP.Is4() {
		return nil, fmt.Errorf("encode: source %v and destination %v must be IPv4", h.SrcIP, h.DstIP)
	}

	b := make([]byte, core.HeaderLen+len(payload))
	b[offVersionIHL] = core.VersionIHL
	b[offDSCPECN] = h.DSCPECN
	binary.BigEndian.PutUint16(b[offTotalLen:], uint16(len(b)))
	binary.BigEndian.PutUint16(b[offID:], h.ID)
	binary.BigEndian.PutUint16(b[offFlagsOffset:], h.FlagsOffset)
	b[offTTL] = h.TTL
	b[offProtocol] = byte(h.Protocol)
	src := h.SrcIP.As4()
	dst := h.DstIP.As4()
	copy(b[offSrc:offSrc+4], src[:])
	copy(b[offDst:offDst+4], dst[:])

	// Checksum field is still zero here.
	checksum.Put(b[offChecksum:], HeaderChecksum(b[:core.HeaderLen]))

	copy(b[core.HeaderLen:], payload)
	return b, nil
}

// Decode unpacks the fixed 20-byte header and returns it with the bytes that
// follow. The payload always starts at offset 20 regardless of IHL, and the
// checksum is returned as-is without being verified.
func Decode(b []byte) (core.Header, []byte, error) {
	if len(b) < core.HeaderLen {
		return core.Header{}, nil, fmt.Errorf("%w: %d bytes, need %d", core.ErrParse, len(b), core.HeaderLen)
	}

	h := core.Header{
		Version:     b[offVersionIHL] >> 4,
		IHL:         b[offVersionIHL] & 0x0F,
		DSCPECN:     b[offDSCPECN],
		TotalLen:    binary.BigEndian.Uint16(b[offTotalLen:]),
		ID:          binary.BigEndian.Uint16(b[offID:]),
		FlagsOffset: binary.BigEndian.Uint16(b[offFlagsOffset:]),
		TTL:         b[offTTL],
		Protocol:    core.Protocol(b[offProtocol]),
		Checksum:    binary.BigEndian.Uint16(b[offChecksum:]),
	}
	h.SrcIP = netip.AddrFrom4([4]byte(b[offSrc : offSrc+4]))
	h.DstIP = netip.AddrFrom4([4]byte(b[offDst : offDst+4]))

	return h, b[core.HeaderLen:], nil
}

// Verify checks the header checksum of b.
func Verify(b []byte) error {
	if len(b) < core.HeaderLen {
		return fmt.Errorf("%w: %d bytes, need %d", core.ErrParse, len(b), core.HeaderLen)
	}
	// A correct header sums to 0xFFFF including its own checksum.
	if sum := checksum.Checksum(b[:core.HeaderLen], 0); sum != 0xFFFF {
		return fmt.Errorf("%w: sum 0x%04x", core.ErrChecksum, sum)
	}
	return nil
}

// HeaderChecksum returns the one's-complement checksum of b. The caller zeroes
// any checksum field inside b beforehand.
func HeaderChecksum(b []byte) uint16 {
	return ^checksum.Checksum(b, 0)
}
