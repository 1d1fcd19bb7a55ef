//go:build freebsd

package tproxy

import (
	"net"

	"golang.org/x/sys/unix"
)

const IsSupported = true

// Needs root or PRIV_NETINET_BINDANY.
func setTransparent(network string, fd int) error {
	if network == "tcp6" {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_BINDANY, 1)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_BINDANY, 1)
}

// OriginalDst is the accepted connection's local address.
func OriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	return localDst(c)
}
