// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers match them with errors.Is; producers wrap them with %w.
var (
	// Datagram errors
	ErrParse            = errors.New("iprouter: malformed datagram")
	ErrChecksum         = errors.New("iprouter: header checksum mismatch")
	ErrPayloadTooLarge  = errors.New("iprouter: payload exceeds maximum datagram size")
	ErrUnsupportedProto = errors.New("iprouter: unsupported protocol")

	// Routing errors
	ErrNoRoute      = errors.New("iprouter: no route to destination")
	ErrInvalidEntry = errors.New("iprouter: invalid forwarding table entry")

	// Engine configuration errors
	ErrNoLocalAddr = errors.New("iprouter: local address not configured")

	// Link errors
	ErrUnknownNeighbor = errors.New("iprouter: next hop has no link endpoint")

	// Configuration errors
	ErrConfigInvalid = errors.New("iprouter: invalid configuration")
)
