// Package udp is a link layer that carries raw IPv4 datagrams in UDP
// payloads. Each neighbor (a next hop the forwarding table may name) is
// bound to a UDP endpoint.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"firestige.xyz/iprouter/internal/config"
	"firestige.xyz/iprouter/internal/core"
	"firestige.xyz/iprouter/internal/log"
)

// Link is a UDP socket plus the neighbor table used to resolve next hops.
type Link struct {
	conn      *net.UDPConn
	neighbors map[netip.Addr]netip.AddrPort
	log       log.Logger
}

// Listen binds cfg.Listen and resolves every neighbor endpoint.
func Listen(cfg config.LinkConfig) (*Link, error) {
	neighbors := make(map[netip.Addr]netip.AddrPort, len(cfg.Neighbors))
	for _, n := range cfg.Neighbors {
		ua, err := net.ResolveUDPAddr("udp4", n.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("resolve neighbor %v endpoint %q: %w", n.Address, n.Endpoint, err)
		}
		ap := ua.AddrPort()
		neighbors[n.Address.Unmap()] = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}

	laddr, err := net.ResolveUDPAddr("udp4", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	l := &Link{
		conn:      conn,
		neighbors: neighbors,
		log:       log.GetLogger().WithField("component", "link"),
	}
	l.log.WithFields(map[string]interface{}{
		"listen":    conn.LocalAddr().String(),
		"neighbors": len(neighbors),
	}).Info("udp link ready")
	return l, nil
}

// LocalAddr returns the bound socket address.
func (l *Link) LocalAddr() netip.AddrPort {
	ap := l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Send implements engine.Sender.
func (l *Link) Send(datagram []byte, nextHop netip.Addr) error {
	ep, ok := l.neighbors[nextHop]
	if !ok {
		return fmt.Errorf("%w: %v", core.ErrUnknownNeighbor, nextHop)
	}
	if _, err := l.conn.WriteToUDPAddrPort(datagram, ep); err != nil {
		return fmt.Errorf("write to %v: %w", ep, err)
	}
	return nil
}

// Serve reads datagrams and passes each to recv until ctx is done or the
// link is closed. Errors returned by recv are logged, not fatal.
func (l *Link) Serve(ctx context.Context, recv func([]byte) error) error {
	stop := context.AfterFunc(ctx, func() { l.conn.Close() })
	defer stop()

	buf := make([]byte, core.MaxDatagramLen)
	for {
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		if err := recv(datagram); err != nil && l.log.IsDebugEnabled() {
			l.log.WithError(err).WithField("from", from.String()).Debug("datagram not accepted")
		}
	}
}

// Close closes the socket, ending Serve.
func (l *Link) Close() error {
	return l.conn.Close()
}
