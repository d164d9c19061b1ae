package engine

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"

	"firestige.xyz/iprouter/internal/core"
	"firestige.xyz/iprouter/internal/core/codec"
	"firestige.xyz/iprouter/internal/core/icmp"
	"firestige.xyz/iprouter/internal/route"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(datagram []byte, nextHop netip.Addr) error {
	args := m.Called(datagram, nextHop)
	return args.Error(0)
}

type sentDatagram struct {
	header  core.Header
	payload []byte
	raw     []byte
	nextHop netip.Addr
}

func (m *mockSender) sent(t *testing.T) []sentDatagram {
	t.Helper()
	var out []sentDatagram
	for _, c := range m.Calls {
		raw := c.Arguments.Get(0).([]byte)
		h, payload, err := codec.Decode(raw)
		require.NoError(t, err)
		require.NoError(t, codec.Verify(raw))
		out = append(out, sentDatagram{header: h, payload: payload, raw: raw, nextHop: c.Arguments.Get(1).(netip.Addr)})
	}
	return out
}

func acceptingSender() *mockSender {
	s := &mockSender{}
	s.On("Send", mock.Anything, mock.Anything).Return(nil)
	return s
}

var (
	local   = netip.MustParseAddr("10.0.0.1")
	peer    = netip.MustParseAddr("10.0.0.7")
	gateway = netip.MustParseAddr("10.0.0.254")
)

func testRoutes(t *testing.T, pairs ...[2]string) []route.Route {
	t.Helper()
	routes := make([]route.Route, 0, len(pairs))
	for _, p := range pairs {
		r, err := route.ParseRoute(p[0], p[1])
		require.NoError(t, err)
		routes = append(routes, r)
	}
	return routes
}

func newTestEngine(t *testing.T, s Sender, cfg Config) *Engine {
	t.Helper()
	if !cfg.LocalAddr.IsValid() {
		cfg.LocalAddr = local
	}
	e, err := New(s, cfg)
	require.NoError(t, err)
	return e
}

func datagram(t *testing.T, h core.Header, payload []byte) []byte {
	t.Helper()
	raw, err := codec.Encode(h, payload)
	require.NoError(t, err)
	return raw
}

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(acceptingSender(), Config{LocalAddr: netip.MustParseAddr("::1")})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(acceptingSender(), Config{Routes: []route.Route{{Prefix: netip.MustParsePrefix("10.0.0.0/8")}}})
	assert.ErrorIs(t, err, core.ErrInvalidEntry)

	e, err := New(acceptingSender(), Config{
		LocalAddr: netip.MustParseAddr("::ffff:10.0.0.1"),
		Routes:    testRoutes(t, [2]string{"0.0.0.0/0", "10.0.0.254"}),
	})
	require.NoError(t, err)
	assert.Equal(t, local, e.LocalAddr())
	assert.Equal(t, 1, e.Table().Len())
}

func TestReceive_HostDelivery(t *testing.T) {
	s := &mockSender{}
	e := newTestEngine(t, s, Config{})

	type delivery struct {
		src, dst netip.Addr
		payload  []byte
	}
	var got []delivery
	e.Register(func(src, dst netip.Addr, payload []byte) {
		got = append(got, delivery{src, dst, payload})
	})

	payload := []byte("segment bytes")
	raw := datagram(t, core.Header{TTL: 3, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: local}, payload)
	require.NoError(t, e.Receive(raw))

	require.Len(t, got, 1)
	assert.Equal(t, peer, got[0].src)
	assert.Equal(t, local, got[0].dst)
	assert.Equal(t, payload, got[0].payload)
	s.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	assert.Equal(t, Stats{Received: 1, Delivered: 1}, e.Stats())
}

func TestReceive_HostDropsSilently(t *testing.T) {
	s := &mockSender{}
	e := newTestEngine(t, s, Config{})

	// No receiver registered.
	raw := datagram(t, core.Header{TTL: 3, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: local}, []byte("x"))
	assert.NoError(t, e.Receive(raw))

	calls := 0
	e.Register(func(netip.Addr, netip.Addr, []byte) { calls++ })

	// Not TCP.
	raw = datagram(t, core.Header{TTL: 3, Protocol: core.ProtocolUDP, SrcIP: peer, DstIP: local}, []byte("x"))
	assert.NoError(t, e.Receive(raw))
	assert.Zero(t, calls)

	e.Register(nil)
	raw = datagram(t, core.Header{TTL: 3, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: local}, []byte("x"))
	assert.NoError(t, e.Receive(raw))
	assert.Zero(t, calls)

	s.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	assert.Equal(t, Stats{Received: 3, Dropped: 3}, e.Stats())
}

func TestReceive_Forward(t *testing.T) {
	s := acceptingSender()
	e := newTestEngine(t, s, Config{Routes: testRoutes(t,
		[2]string{"0.0.0.0/0", "10.0.0.254"},
		[2]string{"192.168.0.0/16", "10.0.0.3"},
	)})

	dst := netip.MustParseAddr("192.168.1.5")
	payload := sequence(40)
	in := core.Header{DSCPECN: 0xb8, ID: 0x1234, TTL: 5, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: dst}
	require.NoError(t, e.Receive(datagram(t, in, payload)))

	out := s.sent(t)
	require.Len(t, out, 1)
	assert.Equal(t, netip.MustParseAddr("10.0.0.3"), out[0].nextHop)
	assert.Equal(t, uint8(4), out[0].header.TTL)
	assert.Equal(t, uint16(0x1234), out[0].header.ID)
	assert.Equal(t, uint8(0xb8), out[0].header.DSCPECN)
	assert.Equal(t, core.ProtocolTCP, out[0].header.Protocol)
	assert.Equal(t, peer, out[0].header.SrcIP)
	assert.Equal(t, dst, out[0].header.DstIP)
	assert.Equal(t, payload, out[0].payload)
	assert.Equal(t, Stats{Received: 1, Forwarded: 1}, e.Stats())

	// Forwarding leaves the local identifier alone.
	s2 := acceptingSender()
	e.sender = s2
	require.NoError(t, e.SendSegment([]byte("a"), dst))
	assert.Equal(t, uint16(0), s2.sent(t)[0].header.ID)
}

func TestReceive_ForwardNonLocalWithoutAddress(t *testing.T) {
	s := acceptingSender()
	e, err := New(s, Config{Routes: testRoutes(t, [2]string{"0.0.0.0/0", "10.0.0.254"})})
	require.NoError(t, err)

	raw := datagram(t, core.Header{TTL: 9, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: local}, nil)
	require.NoError(t, e.Receive(raw))
	require.Len(t, s.sent(t), 1)
}

func TestReceive_TTLExpired(t *testing.T) {
	for _, ttl := range []uint8{0, 1} {
		s := acceptingSender()
		e := newTestEngine(t, s, Config{Routes: testRoutes(t,
			[2]string{"10.0.0.0/24", "10.0.0.2"},
			[2]string{"192.168.0.0/16", "10.0.0.3"},
		)})

		raw := datagram(t, core.Header{ID: 77, TTL: ttl, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: netip.MustParseAddr("192.168.9.9")}, sequence(64))
		require.NoError(t, e.Receive(raw))

		out := s.sent(t)
		require.Len(t, out, 1, "ttl %d", ttl)
		reply := out[0]
		assert.Equal(t, netip.MustParseAddr("10.0.0.2"), reply.nextHop)
		assert.Equal(t, netip.MustParseAddr("10.0.0.2"), reply.header.DstIP)
		assert.Equal(t, local, reply.header.SrcIP)
		assert.Equal(t, core.ProtocolICMP, reply.header.Protocol)
		assert.Equal(t, uint8(core.DefaultTTL), reply.header.TTL)

		msg := reply.payload
		require.Len(t, msg, icmp.HeaderLen+28)
		assert.Equal(t, icmp.TypeTimeExceeded, msg[0])
		assert.Equal(t, icmp.CodeTTLExceeded, msg[1])
		assert.Equal(t, uint16(0xffff), checksum.Checksum(msg, 0))
		assert.Equal(t, raw[:28], msg[icmp.HeaderLen:])
		assert.False(t, bytes.Equal(raw, reply.raw))

		assert.Equal(t, Stats{Received: 1, Dropped: 1, ICMPSent: 1}, e.Stats())
	}
}

func TestReceive_TTLExpiredDefaultRoute(t *testing.T) {
	s := acceptingSender()
	e := newTestEngine(t, s, Config{Routes: testRoutes(t, [2]string{"0.0.0.0/0", "10.0.0.254"})})

	raw := datagram(t, core.Header{TTL: 1, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: netip.MustParseAddr("8.8.8.8")}, sequence(4))
	require.NoError(t, e.Receive(raw))

	out := s.sent(t)
	require.Len(t, out, 1)
	assert.Equal(t, gateway, out[0].nextHop)
	assert.Equal(t, peer, out[0].header.DstIP)
	// Short original: the quote is the whole datagram.
	assert.Equal(t, raw, out[0].payload[icmp.HeaderLen:])
}

func TestReceive_ICMPReplyUsesCurrentIdentifier(t *testing.T) {
	s := acceptingSender()
	e := newTestEngine(t, s, Config{Routes: testRoutes(t, [2]string{"0.0.0.0/0", "10.0.0.254"})})

	require.NoError(t, e.SendSegment(make([]byte, 10), netip.MustParseAddr("8.8.8.8")))
	raw := datagram(t, core.Header{TTL: 1, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: netip.MustParseAddr("8.8.4.4")}, nil)
	require.NoError(t, e.Receive(raw))
	require.NoError(t, e.SendSegment(nil, netip.MustParseAddr("8.8.8.8")))

	out := s.sent(t)
	require.Len(t, out, 3)
	assert.Equal(t, uint16(0), out[0].header.ID)
	assert.Equal(t, uint16(30), out[1].header.ID)
	assert.Equal(t, uint16(30), out[2].header.ID)
}

func TestReceive_TTLExpiredNoRouteBack(t *testing.T) {
	s := &mockSender{}
	e := newTestEngine(t, s, Config{Routes: testRoutes(t, [2]string{"192.168.0.0/16", "10.0.0.3"})})

	raw := datagram(t, core.Header{TTL: 1, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: netip.MustParseAddr("192.168.0.1")}, nil)
	assert.ErrorIs(t, e.Receive(raw), core.ErrNoRoute)
	s.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestReceive_TTLExpiredUnroutableDestination(t *testing.T) {
	for _, unreachable := range []bool{false, true} {
		s := acceptingSender()
		e := newTestEngine(t, s, Config{
			Unreachable: unreachable,
			Routes:      testRoutes(t, [2]string{"10.0.0.0/24", "10.0.0.2"}),
		})

		raw := datagram(t, core.Header{TTL: 1, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: netip.MustParseAddr("172.16.0.1")}, sequence(32))
		require.NoError(t, e.Receive(raw))

		out := s.sent(t)
		require.Len(t, out, 1, "unreachable %v", unreachable)
		assert.Equal(t, netip.MustParseAddr("10.0.0.2"), out[0].nextHop)
		assert.Equal(t, peer, out[0].header.DstIP)
		msg := out[0].payload
		require.Len(t, msg, icmp.HeaderLen+28)
		assert.Equal(t, icmp.TypeTimeExceeded, msg[0])
		assert.Equal(t, icmp.CodeTTLExceeded, msg[1])
		assert.Equal(t, raw[:28], msg[icmp.HeaderLen:])
		assert.Equal(t, Stats{Received: 1, Dropped: 1, ICMPSent: 1}, e.Stats())
	}
}

func TestReceive_NoRoute(t *testing.T) {
	s := &mockSender{}
	e := newTestEngine(t, s, Config{})

	raw := datagram(t, core.Header{TTL: 9, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: netip.MustParseAddr("172.16.0.1")}, nil)
	assert.ErrorIs(t, e.Receive(raw), core.ErrNoRoute)

	require.NoError(t, e.InstallRoutes(testRoutes(t, [2]string{"10.0.0.0/24", "10.0.0.2"})))
	assert.ErrorIs(t, e.Receive(raw), core.ErrNoRoute)

	s.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	assert.Equal(t, Stats{Received: 2, Dropped: 2}, e.Stats())
}

func TestReceive_NoRouteUnreachable(t *testing.T) {
	s := acceptingSender()
	e := newTestEngine(t, s, Config{
		Unreachable: true,
		Routes:      testRoutes(t, [2]string{"10.0.0.0/24", "10.0.0.2"}),
	})

	raw := datagram(t, core.Header{TTL: 9, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: netip.MustParseAddr("172.16.0.1")}, sequence(12))
	assert.ErrorIs(t, e.Receive(raw), core.ErrNoRoute)

	out := s.sent(t)
	require.Len(t, out, 1)
	msg := out[0].payload
	assert.Equal(t, icmp.TypeDestinationUnreachable, msg[0])
	assert.Equal(t, icmp.CodeNetUnreachable, msg[1])
	assert.Equal(t, raw[:28], msg[icmp.HeaderLen:])
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), out[0].nextHop)
}

func TestReceive_Malformed(t *testing.T) {
	e := newTestEngine(t, &mockSender{}, Config{})
	assert.ErrorIs(t, e.Receive(make([]byte, 19)), core.ErrParse)
	assert.ErrorIs(t, e.Receive(nil), core.ErrParse)
	assert.Equal(t, uint64(2), e.Stats().Dropped)
}

func TestReceive_StrictChecksum(t *testing.T) {
	routes := testRoutes(t, [2]string{"0.0.0.0/0", "10.0.0.254"})
	raw := datagram(t, core.Header{TTL: 9, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: netip.MustParseAddr("8.8.8.8")}, nil)
	raw[10] ^= 0xff

	strict := newTestEngine(t, &mockSender{}, Config{StrictChecksum: true, Routes: routes})
	assert.ErrorIs(t, strict.Receive(raw), core.ErrChecksum)

	s := acceptingSender()
	lenient := newTestEngine(t, s, Config{Routes: routes})
	require.NoError(t, lenient.Receive(raw))
	require.Len(t, s.sent(t), 1)
}

func TestReceive_LinkError(t *testing.T) {
	errLink := errors.New("link down")
	s := &mockSender{}
	s.On("Send", mock.Anything, gateway).Return(errLink).Once()
	e := newTestEngine(t, s, Config{Routes: testRoutes(t, [2]string{"0.0.0.0/0", "10.0.0.254"})})

	raw := datagram(t, core.Header{TTL: 9, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: netip.MustParseAddr("8.8.8.8")}, nil)
	err := e.Receive(raw)
	assert.ErrorIs(t, err, errLink)
	assert.Equal(t, Stats{Received: 1, Dropped: 1}, e.Stats())
	s.AssertExpectations(t)
}

func TestSendSegment(t *testing.T) {
	s := acceptingSender()
	e := newTestEngine(t, s, Config{Routes: testRoutes(t,
		[2]string{"0.0.0.0/0", "10.0.0.254"},
		[2]string{"10.0.0.0/24", "10.0.0.2"},
	)})

	dst := netip.MustParseAddr("10.0.0.9")
	require.NoError(t, e.SendSegment(sequence(100), dst))
	require.NoError(t, e.SendSegment(sequence(5), netip.MustParseAddr("1.1.1.1")))

	out := s.sent(t)
	require.Len(t, out, 2)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), out[0].nextHop)
	assert.Equal(t, core.Header{
		Version: 4, IHL: 5, TotalLen: 120, ID: 0, TTL: core.DefaultTTL,
		Protocol: core.ProtocolTCP, Checksum: out[0].header.Checksum, SrcIP: local, DstIP: dst,
	}, out[0].header)
	assert.Equal(t, sequence(100), out[0].payload)

	assert.Equal(t, gateway, out[1].nextHop)
	assert.Equal(t, uint16(120), out[1].header.ID)
	assert.Equal(t, Stats{Sent: 2}, e.Stats())
}

func TestSendSegment_Errors(t *testing.T) {
	s := acceptingSender()
	noAddr, err := New(s, Config{Routes: testRoutes(t, [2]string{"0.0.0.0/0", "10.0.0.254"})})
	require.NoError(t, err)
	assert.ErrorIs(t, noAddr.SendSegment(nil, peer), core.ErrNoLocalAddr)

	e := newTestEngine(t, s, Config{Routes: testRoutes(t, [2]string{"10.0.0.0/24", "10.0.0.2"})})
	assert.ErrorIs(t, e.SendSegment(make([]byte, 40), netip.MustParseAddr("8.8.8.8")), core.ErrNoRoute)
	assert.ErrorIs(t, e.SendSegment(make([]byte, core.MaxPayloadLen+1), peer), core.ErrPayloadTooLarge)

	// Only the unroutable send consumed identifiers.
	require.NoError(t, e.SendSegment(nil, peer))
	out := s.sent(t)
	require.Len(t, out, 1)
	assert.Equal(t, uint16(60), out[0].header.ID)
}

func TestSendSegment_NoRouteAdvancesIdentifier(t *testing.T) {
	s := acceptingSender()
	e := newTestEngine(t, s, Config{Routes: testRoutes(t, [2]string{"10.0.0.0/24", "10.0.0.2"})})

	require.NoError(t, e.SendSegment(make([]byte, 10), peer))
	assert.ErrorIs(t, e.SendSegment(make([]byte, 40), netip.MustParseAddr("172.16.0.1")), core.ErrNoRoute)
	require.NoError(t, e.SendSegment(make([]byte, 10), peer))

	out := s.sent(t)
	require.Len(t, out, 2)
	assert.Equal(t, uint16(0), out[0].header.ID)
	assert.Equal(t, uint16(90), out[1].header.ID)
	assert.Equal(t, Stats{Sent: 2}, e.Stats())
}

func TestSendSegment_IdentifierWraps(t *testing.T) {
	s := acceptingSender()
	e := newTestEngine(t, s, Config{Routes: testRoutes(t, [2]string{"0.0.0.0/0", "10.0.0.254"})})

	for i := 0; i < 5; i++ {
		require.NoError(t, e.SendSegment(make([]byte, 20000), peer))
	}
	var ids []uint16
	for _, d := range s.sent(t) {
		ids = append(ids, d.header.ID)
	}
	assert.Equal(t, []uint16{0, 20020, 40040, 60060, 14544}, ids)
}

func TestInstallRoutes_KeepsTableOnError(t *testing.T) {
	e := newTestEngine(t, acceptingSender(), Config{Routes: testRoutes(t, [2]string{"0.0.0.0/0", "10.0.0.254"})})

	err := e.InstallRoutes([]route.Route{{Prefix: netip.MustParsePrefix("10.0.0.0/8"), NextHop: netip.MustParseAddr("::1")}})
	assert.ErrorIs(t, err, core.ErrInvalidEntry)

	m, err := e.Table().Lookup(peer)
	require.NoError(t, err)
	assert.Equal(t, gateway, m.NextHop)
}

func TestReceive_ICMPRateLimit(t *testing.T) {
	s := acceptingSender()
	e := newTestEngine(t, s, Config{
		Routes:        testRoutes(t, [2]string{"0.0.0.0/0", "10.0.0.254"}),
		ICMPRateLimit: icmp.RateLimiterConfig{MaxPerSource: 2, Window: time.Hour},
	})

	raw := datagram(t, core.Header{TTL: 1, Protocol: core.ProtocolTCP, SrcIP: peer, DstIP: netip.MustParseAddr("8.8.8.8")}, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Receive(raw))
	}
	other := datagram(t, core.Header{TTL: 1, Protocol: core.ProtocolTCP, SrcIP: netip.MustParseAddr("10.0.0.8"), DstIP: netip.MustParseAddr("8.8.8.8")}, nil)
	require.NoError(t, e.Receive(other))

	assert.Len(t, s.sent(t), 3)
	st := e.Stats()
	assert.Equal(t, uint64(3), st.ICMPSent)
	assert.Equal(t, uint64(3), st.ICMPSuppressed)
	assert.Equal(t, uint64(6), st.Dropped)
}
