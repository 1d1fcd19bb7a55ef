package socks5

import (
	"errors"
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrCommandNotSupported is returned by Accept for anything but CONNECT.
var ErrCommandNotSupported = errors.New("socks5: command not supported")

// Target is an accepted CONNECT request.
type Target struct {
	// Address is the destination as "host:port".
	Address string
	// Atyp is the request's address type, echoed in error replies.
	Atyp byte
}

// Accept runs method negotiation and reads the request. Unsupported commands
// are answered before ErrCommandNotSupported is returned; the caller replies
// to an accepted Target.
func Accept(conn net.Conn, auth Auth) (Target, error) {
	if err := negotiate(conn, auth); err != nil {
		return Target{}, err
	}

	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return Target{}, fmt.Errorf("socks5 request: %w", err)
	}
	if req.Cmd != txsocks5.CmdConnect {
		WriteCommandNotSupportedReply(conn, req.Atyp)
		return Target{}, fmt.Errorf("%w: %d", ErrCommandNotSupported, req.Cmd)
	}
	return Target{Address: req.Address(), Atyp: req.Atyp}, nil
}

func negotiate(conn net.Conn, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5 negotiation: %w", err)
	}

	if auth.Username == "" {
		if !slices.Contains(neg.Methods, txsocks5.MethodNone) {
			writeNoAcceptableMethods(conn)
			return fmt.Errorf("socks5: client does not offer no-auth")
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
			return fmt.Errorf("socks5 negotiation reply: %w", err)
		}
		return nil
	}

	if !slices.Contains(neg.Methods, txsocks5.MethodUsernamePassword) {
		writeNoAcceptableMethods(conn)
		return fmt.Errorf("socks5: client does not offer username/password")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5 negotiation reply: %w", err)
	}

	urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5 userpass: %w", err)
	}
	if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
		return fmt.Errorf("socks5: bad credentials for %q", urq.Uname)
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5 userpass reply: %w", err)
	}
	return nil
}

func writeNoAcceptableMethods(conn net.Conn) {
	// RFC 1928: 0xFF means no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
}
