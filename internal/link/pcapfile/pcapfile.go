// Package pcapfile records and replays IPv4 datagrams as pcap captures.
//
// Recorded frames are Ethernet. The next hop of each datagram is encoded in
// the destination MAC as 02:00:a:b:c:d, a locally administered address, so a
// capture shows where the engine sent each datagram.
package pcapfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/iprouter/internal/core"
)

const snapLen = 65536

// linkTypeIPv4 is LINKTYPE_IPV4: bare IPv4 datagrams.
const linkTypeIPv4 layers.LinkType = 228

// HardwareAddr returns the synthetic MAC for an IPv4 address.
func HardwareAddr(addr netip.Addr) net.HardwareAddr {
	a := addr.Unmap().As4()
	return net.HardwareAddr{0x02, 0x00, a[0], a[1], a[2], a[3]}
}

// NextHop recovers the address encoded by HardwareAddr.
func NextHop(mac net.HardwareAddr) (netip.Addr, bool) {
	if len(mac) != 6 || mac[0] != 0x02 || mac[1] != 0x00 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(mac[2:6])), true
}

// Recorder is an engine.Sender that writes every datagram to a capture.
type Recorder struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	src    net.HardwareAddr
	now    func() time.Time
	count  int
}

// NewRecorder writes the pcap file header to w. local is encoded as the
// source MAC of every frame.
func NewRecorder(w io.Writer, local netip.Addr) (*Recorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	r := &Recorder{w: pw, now: time.Now}
	if local.IsValid() {
		r.src = HardwareAddr(local)
	} else {
		r.src = HardwareAddr(netip.IPv4Unspecified())
	}
	return r, nil
}

// Create creates (or truncates) path and records into it.
func Create(path string, local netip.Addr) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	r, err := NewRecorder(f, local)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Send implements engine.Sender.
func (r *Recorder) Send(datagram []byte, nextHop netip.Addr) error {
	if !nextHop.Is4() && !nextHop.Is4In6() {
		return fmt.Errorf("%w: %v", core.ErrUnknownNeighbor, nextHop)
	}

	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{
		SrcMAC:       r.src,
		DstMAC:       HardwareAddr(nextHop),
		EthernetType: layers.EthernetTypeIPv4,
	}
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(datagram)); err != nil {
		return fmt.Errorf("serialize frame: %w", err)
	}
	frame := buf.Bytes()

	r.mu.Lock()
	defer r.mu.Unlock()
	ci := gopacket.CaptureInfo{
		Timestamp:     r.now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := r.w.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	r.count++
	return nil
}

// Count returns the number of datagrams recorded.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close closes the underlying file when the recorder owns one.
func (r *Recorder) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// ReplayStats summarizes a Replay run.
type ReplayStats struct {
	Packets  int // packets read from the capture
	Skipped  int // non-IPv4 frames
	Accepted int // datagrams recv returned nil for
	Rejected int // datagrams recv returned an error for
}

// Replay reads a capture from rd and passes every IPv4 datagram to recv.
// Ethernet, raw IP and IPv4 link types are understood. Link padding past
// the IPv4 total length is removed. Errors from recv are counted, not
// returned.
func Replay(rd io.Reader, recv func([]byte) error) (ReplayStats, error) {
	var stats ReplayStats

	pr, err := pcapgo.NewReader(rd)
	if err != nil {
		return stats, fmt.Errorf("read pcap header: %w", err)
	}
	linkType := pr.LinkType()
	switch linkType {
	case layers.LinkTypeEthernet, layers.LinkTypeRaw, linkTypeIPv4:
	default:
		return stats, fmt.Errorf("unsupported link type %v", linkType)
	}

	for {
		data, _, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		datagram, ok := network(linkType, data)
		if !ok {
			stats.Skipped++
			continue
		}
		if err := recv(datagram); err != nil {
			stats.Rejected++
			continue
		}
		stats.Accepted++
	}
}

// ReplayFile is Replay on the capture at path.
func ReplayFile(path string, recv func([]byte) error) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, err
	}
	defer f.Close()
	return Replay(f, recv)
}

// network strips the link header and padding from one captured frame.
func network(linkType layers.LinkType, data []byte) ([]byte, bool) {
	if linkType == layers.LinkTypeEthernet {
		pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		if !ok || eth.EthernetType != layers.EthernetTypeIPv4 {
			return nil, false
		}
		data = eth.Payload
	}
	if len(data) == 0 || data[0]>>4 != 4 {
		return nil, false
	}

	out := make([]byte, len(data))
	copy(out, data)
	if len(out) >= core.HeaderLen {
		if total := int(binary.BigEndian.Uint16(out[2:4])); total >= core.HeaderLen && total < len(out) {
			out = out[:total]
		}
	}
	return out, true
}
