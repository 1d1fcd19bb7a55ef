//go:build openbsd

package tproxy

import (
	"net"

	"golang.org/x/sys/unix"
)

const IsSupported = true

// SO_BINDANY is socket-level on OpenBSD. Return traffic needs divert-reply
// rules.
func setTransparent(_ string, fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BINDANY, 1)
}

// OriginalDst is the accepted connection's local address.
func OriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	return localDst(c)
}
