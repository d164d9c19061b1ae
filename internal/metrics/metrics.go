// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used with DatagramsDroppedTotal.
const (
	DropParse       = "parse"
	DropChecksum    = "checksum"
	DropNoRoute     = "no_route"
	DropTTLExpired  = "ttl_expired"
	DropUnsupported = "unsupported_protocol"
	DropNoReceiver  = "no_receiver"
	DropLinkError   = "link_error"
)

// Roles used with DatagramsReceivedTotal.
const (
	RoleHost   = "host"
	RoleRouter = "router"
)

// Message types used with ICMPSentTotal.
const (
	ICMPTimeExceeded = "time_exceeded"
	ICMPUnreachable  = "destination_unreachable"
)

var (
	// DatagramsReceivedTotal counts datagrams handed up by the link, by role taken
	DatagramsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iprouter_datagrams_received_total",
			Help: "Total number of datagrams received from the link layer",
		},
		[]string{"role"},
	)

	// DatagramsDeliveredTotal counts payloads delivered to the transport receiver
	DatagramsDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iprouter_datagrams_delivered_total",
			Help: "Total number of datagrams delivered to the local transport layer",
		},
	)

	// DatagramsForwardedTotal counts datagrams relayed toward a next hop
	DatagramsForwardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iprouter_datagrams_forwarded_total",
			Help: "Total number of datagrams forwarded with decremented TTL",
		},
	)

	// DatagramsSentTotal counts locally originated datagrams
	DatagramsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iprouter_datagrams_sent_total",
			Help: "Total number of datagrams built from local transport segments",
		},
	)

	// DatagramsDroppedTotal counts dropped datagrams by reason
	DatagramsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iprouter_datagrams_dropped_total",
			Help: "Total number of datagrams dropped",
		},
		[]string{"reason"},
	)

	// ICMPSentTotal counts generated ICMP error messages by type
	ICMPSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iprouter_icmp_sent_total",
			Help: "Total number of ICMP error messages sent",
		},
		[]string{"type"},
	)

	// ICMPSuppressedTotal counts ICMP error messages held back by rate limiting
	ICMPSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iprouter_icmp_suppressed_total",
			Help: "Total number of ICMP error messages suppressed by the per-source rate limit",
		},
		[]string{"type"},
	)

	// RoutesInstalled tracks the size of the current forwarding table
	RoutesInstalled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "iprouter_routes_installed",
			Help: "Number of entries in the installed forwarding table",
		},
	)

	// LookupLatencySeconds measures forwarding table lookups
	LookupLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "iprouter_lookup_latency_seconds",
			Help:    "Latency of forwarding table lookups in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0000001, 2, 16), // 100ns to ~3ms
		},
	)
)
