// Package socks5 holds the SOCKS5 handshake used by the relay's SOCKS5
// front end, built on the protocol types in github.com/txthinking/socks5.
//
// Only the CONNECT command is served. The client-side helpers exist so the
// front end can be exercised end to end in tests.
package socks5

import (
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// Auth configures optional username/password authentication. A zero Auth
// accepts clients offering no authentication.
type Auth struct {
	Username string
	Password string
}

// WriteNotAllowedReply tells the client its destination is refused by
// policy.
func WriteNotAllowedReply(conn net.Conn, atyp byte) {
	_, _ = newZeroAddrReply(txsocks5.RepNotAllowed, atyp).WriteTo(conn)
}

// WriteCommandNotSupportedReply tells the client only CONNECT is served.
func WriteCommandNotSupportedReply(conn net.Conn, atyp byte) {
	_, _ = newZeroAddrReply(txsocks5.RepCommandNotSupported, atyp).WriteTo(conn)
}

// WriteSuccessReply accepts the CONNECT, reporting localAddr as the bound
// address.
func WriteSuccessReply(conn net.Conn, localAddr net.Addr) error {
	a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}
