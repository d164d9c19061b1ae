// Package engine implements the IPv4 forwarding engine: host delivery,
// TTL-limited forwarding and ICMP error generation.
package engine

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"firestige.xyz/iprouter/internal/core"
	"firestige.xyz/iprouter/internal/core/codec"
	"firestige.xyz/iprouter/internal/core/icmp"
	"firestige.xyz/iprouter/internal/log"
	"firestige.xyz/iprouter/internal/metrics"
	"firestige.xyz/iprouter/internal/route"
)

// Sender is the link layer. nextHop is resolved to a physical destination by
// the implementation.
type Sender interface {
	Send(datagram []byte, nextHop netip.Addr) error
}

// Receiver consumes datagrams addressed to the local host.
type Receiver func(src, dst netip.Addr, payload []byte)

// Config configures an Engine.
type Config struct {
	LocalAddr      netip.Addr             // datagrams to other addresses are forwarded
	Routes         []route.Route          // initial forwarding table
	StrictChecksum bool                   // verify header checksums on receive
	Unreachable    bool                   // answer no-route with ICMP Destination Unreachable
	ICMPRateLimit  icmp.RateLimiterConfig // per-source cap on ICMP error messages
	Logger         log.Logger             // defaults to the process logger
}

// Stats are per-engine counters.
type Stats struct {
	Received  uint64
	Delivered uint64
	Forwarded uint64
	Sent      uint64
	Dropped   uint64
	ICMPSent  uint64

	ICMPSuppressed uint64
}

// Engine is the network layer of one host. It is driven by a single link
// goroutine; configuration calls may come from elsewhere.
type Engine struct {
	sender Sender
	table  *route.Table
	log    log.Logger

	strictChecksum bool
	unreachable    bool
	limiter        *icmp.RateLimiter

	local    atomic.Pointer[netip.Addr]
	receiver atomic.Pointer[Receiver]
	// id holds the next identification value in its low 16 bits.
	id atomic.Uint32

	received  atomic.Uint64
	delivered atomic.Uint64
	forwarded atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
	icmpSent  atomic.Uint64
}

// New creates an engine that sends through sender.
func New(sender Sender, cfg Config) (*Engine, error) {
	if sender == nil {
		return nil, fmt.Errorf("%w: engine requires a link sender", core.ErrConfigInvalid)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.GetLogger()
	}

	e := &Engine{
		sender:         sender,
		table:          &route.Table{},
		log:            logger.WithField("component", "engine"),
		strictChecksum: cfg.StrictChecksum,
		unreachable:    cfg.Unreachable,
		limiter:        icmp.NewRateLimiter(cfg.ICMPRateLimit),
	}
	if cfg.LocalAddr.IsValid() {
		if err := e.SetLocalAddr(cfg.LocalAddr); err != nil {
			return nil, err
		}
	}
	if err := e.InstallRoutes(cfg.Routes); err != nil {
		return nil, err
	}
	return e, nil
}

// SetLocalAddr sets the address this host answers to.
func (e *Engine) SetLocalAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	if !addr.Is4() {
		return fmt.Errorf("%w: local address %v is not IPv4", core.ErrConfigInvalid, addr)
	}
	e.local.Store(&addr)
	e.log.WithField("address", addr).Info("local address set")
	return nil
}

// LocalAddr returns the configured local address, or the zero Addr.
func (e *Engine) LocalAddr() netip.Addr {
	if p := e.local.Load(); p != nil {
		return *p
	}
	return netip.Addr{}
}

// InstallRoutes replaces the forwarding table.
func (e *Engine) InstallRoutes(routes []route.Route) error {
	if err := e.table.Install(routes); err != nil {
		return err
	}
	metrics.RoutesInstalled.Set(float64(len(routes)))
	e.log.WithField("routes", len(routes)).Info("forwarding table installed")
	return nil
}

// Table returns the forwarding table.
func (e *Engine) Table() *route.Table {
	return e.table
}

// Register sets the single receiver for local TCP payloads; nil removes it.
func (e *Engine) Register(r Receiver) {
	if r == nil {
		e.receiver.Store(nil)
		return
	}
	e.receiver.Store(&r)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Received:  e.received.Load(),
		Delivered: e.delivered.Load(),
		Forwarded: e.forwarded.Load(),
		Sent:      e.sent.Load(),
		Dropped:   e.dropped.Load(),
		ICMPSent:  e.icmpSent.Load(),

		ICMPSuppressed: uint64(e.limiter.Suppressed()),
	}
}

// Receive processes one datagram from the link layer.
//
// Malformed datagrams return core.ErrParse (or core.ErrChecksum in strict
// mode). Undeliverable ones are dropped and the reason returned, wrapping
// core.ErrNoRoute when the table has no entry. Datagrams for the local host
// that are not TCP, or arrive with no receiver registered, are dropped
// silently.
func (e *Engine) Receive(raw []byte) error {
	e.received.Add(1)

	h, payload, err := codec.Decode(raw)
	if err != nil {
		e.drop(metrics.DropParse)
		return err
	}
	if e.strictChecksum {
		if err := codec.Verify(raw); err != nil {
			e.drop(metrics.DropChecksum)
			return err
		}
	}

	if h.DstIP == e.LocalAddr() {
		metrics.DatagramsReceivedTotal.WithLabelValues(metrics.RoleHost).Inc()
		e.deliver(h, payload)
		return nil
	}
	metrics.DatagramsReceivedTotal.WithLabelValues(metrics.RoleRouter).Inc()
	return e.forward(raw, h, payload)
}

func (e *Engine) deliver(h core.Header, payload []byte) {
	if h.Protocol != core.ProtocolTCP {
		e.drop(metrics.DropUnsupported)
		if e.log.IsDebugEnabled() {
			e.log.WithFields(map[string]interface{}{
				"src": h.SrcIP, "protocol": h.Protocol,
			}).Debug("dropping local datagram: " + core.ErrUnsupportedProto.Error())
		}
		return
	}
	recv := e.receiver.Load()
	if recv == nil {
		e.drop(metrics.DropNoReceiver)
		return
	}

	(*recv)(h.SrcIP, h.DstIP, payload)
	e.delivered.Add(1)
	metrics.DatagramsDeliveredTotal.Inc()
}

func (e *Engine) forward(raw []byte, h core.Header, payload []byte) error {
	// An expiring datagram is answered whether or not its destination is
	// routable.
	if h.TTL <= 1 {
		e.drop(metrics.DropTTLExpired)
		if e.log.IsDebugEnabled() {
			e.log.WithFields(map[string]interface{}{"src": h.SrcIP, "dst": h.DstIP, "ttl": h.TTL}).Debug("ttl expired in transit")
		}
		return e.replyError(raw, h, icmp.TimeExceeded(raw), metrics.ICMPTimeExceeded)
	}

	m, err := e.lookup(h.DstIP)
	if err != nil {
		e.drop(metrics.DropNoRoute)
		if e.log.IsDebugEnabled() {
			e.log.WithFields(map[string]interface{}{"src": h.SrcIP, "dst": h.DstIP}).Debug("dropping datagram: no route")
		}
		if e.unreachable {
			if rerr := e.replyError(raw, h, icmp.DestinationUnreachable(icmp.CodeNetUnreachable, raw), metrics.ICMPUnreachable); rerr != nil {
				return errors.Join(err, rerr)
			}
		}
		return err
	}

	h.TTL--
	out, err := codec.Encode(h, payload)
	if err != nil {
		e.drop(metrics.DropParse)
		return err
	}
	if err := e.sender.Send(out, m.NextHop); err != nil {
		e.drop(metrics.DropLinkError)
		return fmt.Errorf("forward %v via %v: %w", h.DstIP, m.NextHop, err)
	}
	e.forwarded.Add(1)
	metrics.DatagramsForwardedTotal.Inc()
	return nil
}

// replyError sends an ICMP error message about raw back toward its source,
// unless the rate limiter holds it back.
//
// The reply is routed like any datagram to the source. Its destination is
// the source itself when only the default route matched, and the matched next
// hop otherwise.
func (e *Engine) replyError(raw []byte, h core.Header, msg []byte, kind string) error {
	if !e.limiter.Allow(h.SrcIP, time.Now()) {
		metrics.ICMPSuppressedTotal.WithLabelValues(kind).Inc()
		return nil
	}
	local := e.LocalAddr()
	if !local.IsValid() {
		return fmt.Errorf("icmp %s to %v: %w", kind, h.SrcIP, core.ErrNoLocalAddr)
	}
	m, err := e.lookup(h.SrcIP)
	if err != nil {
		return fmt.Errorf("icmp %s: %w", kind, err)
	}
	dst := m.NextHop
	if m.Bits == 0 {
		dst = h.SrcIP
	}

	out, err := icmp.Wrap(msg, core.Header{
		DSCPECN:     h.DSCPECN,
		FlagsOffset: h.FlagsOffset,
		ID:          e.currentID(),
		SrcIP:       local,
		DstIP:       dst,
	})
	if err != nil {
		return err
	}
	if err := e.sender.Send(out, m.NextHop); err != nil {
		return fmt.Errorf("icmp %s via %v: %w", kind, m.NextHop, err)
	}
	e.icmpSent.Add(1)
	metrics.ICMPSentTotal.WithLabelValues(kind).Inc()
	return nil
}

// SendSegment wraps a transport segment in a new datagram to dst.
func (e *Engine) SendSegment(payload []byte, dst netip.Addr) error {
	local := e.LocalAddr()
	if !local.IsValid() {
		return core.ErrNoLocalAddr
	}
	if len(payload) > core.MaxPayloadLen {
		return fmt.Errorf("%w: %d bytes", core.ErrPayloadTooLarge, len(payload))
	}
	if !dst.Is4() {
		return fmt.Errorf("%w: %v", core.ErrNoRoute, dst)
	}

	// The datagram is built, and the identifier advanced, before routing;
	// a send with no route still consumes its identifier range.
	total := core.HeaderLen + len(payload)
	out, err := codec.Encode(core.Header{
		ID:       e.nextID(total),
		TTL:      core.DefaultTTL,
		Protocol: core.ProtocolTCP,
		SrcIP:    local,
		DstIP:    dst,
	}, payload)
	if err != nil {
		return err
	}
	m, err := e.lookup(dst)
	if err != nil {
		return err
	}
	if err := e.sender.Send(out, m.NextHop); err != nil {
		return fmt.Errorf("send to %v via %v: %w", dst, m.NextHop, err)
	}
	e.sent.Add(1)
	metrics.DatagramsSentTotal.Inc()
	return nil
}

// nextID returns the identification for a local datagram of total bytes and
// advances the counter by that length.
func (e *Engine) nextID(total int) uint16 {
	return uint16(e.id.Add(uint32(total)) - uint32(total))
}

func (e *Engine) currentID() uint16 {
	return uint16(e.id.Load())
}

func (e *Engine) lookup(dst netip.Addr) (route.Match, error) {
	start := time.Now()
	m, err := e.table.Lookup(dst)
	metrics.LookupLatencySeconds.Observe(time.Since(start).Seconds())
	return m, err
}

func (e *Engine) drop(reason string) {
	e.dropped.Add(1)
	metrics.DatagramsDroppedTotal.WithLabelValues(reason).Inc()
}
