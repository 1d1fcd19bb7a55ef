//go:build linux

package tproxy

import (
	"encoding/binary"
	"net"

	"golang.org/x/sys/unix"
)

const IsSupported = true

// ip6tSOOriginalDst is IP6T_SO_ORIGINAL_DST from linux/netfilter_ipv6/ip6_tables.h.
const ip6tSOOriginalDst = 0x50

func setTransparent(network string, fd int) error {
	if network == "tcp6" {
		return unix.SetsockoptInt(fd, unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
	}
	return unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1)
}

// OriginalDst returns the pre-NAT destination of a REDIRECTed connection, or
// the local address when the connection arrived through a TPROXY rule.
func OriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, false
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return nil, false
	}

	var addr *net.TCPAddr
	_ = rc.Control(func(fd uintptr) {
		addr = natDst(int(fd), tc.LocalAddr())
	})
	if addr != nil {
		return addr, true
	}
	return localDst(c)
}

func natDst(fd int, local net.Addr) *net.TCPAddr {
	la, _ := local.(*net.TCPAddr)
	if la != nil && la.IP.To4() == nil {
		info, err := unix.GetsockoptIPv6MTUInfo(fd, unix.IPPROTO_IPV6, ip6tSOOriginalDst)
		if err != nil {
			return nil
		}
		sa := info.Addr
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: int(ntohs(sa.Port))}
	}

	// sockaddr_in fits in an ipv6_mreq-sized buffer.
	mreq, err := unix.GetsockoptIPv6Mreq(fd, unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
	if err != nil {
		return nil
	}
	raw := mreq.Multiaddr
	port := binary.BigEndian.Uint16(raw[2:4])
	return &net.TCPAddr{IP: net.IPv4(raw[4], raw[5], raw[6], raw[7]), Port: int(port)}
}

// ntohs converts a port stored in network byte order.
func ntohs(p uint16) uint16 {
	var buf [2]byte
	binary.NativeEndian.PutUint16(buf[:], p)
	return binary.BigEndian.Uint16(buf[:])
}
