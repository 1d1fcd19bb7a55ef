package relay

import (
	"errors"
	"io"
	"net"
)

var (
	// ErrBlacklisted means the requested destination was refused.
	ErrBlacklisted = errors.New("destination is blacklisted")

	// ErrProtocolViolation means raw bytes arrived before any destination
	// was requested.
	ErrProtocolViolation = errors.New("raw bytes before a destination was requested")

	// ErrUpstreamResponse means the upstream proxy rejected the tunnel.
	ErrUpstreamResponse = errors.New("upstream rejected tunnel")

	errBackendClosed = errors.New("upstream session closed")

	// errResponseStarted marks failures after part of a response reached
	// the client, which therefore must not get an error response.
	errResponseStarted = errors.New("response partially relayed")
)

// isClosed reports errors that only mean the peer went away.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
