package relay

import (
	"log"
	"net"
	"time"

	"github.com/die-net/relay/internal/socks5"
)

// ServeSOCKS5 accepts SOCKS5 clients on ln until it is closed. A CONNECT is
// relayed as a tunnel to its destination; a blacklisted destination gets a
// "not allowed" reply. It returns nil if the Relay's context is done.
func (r *Relay) ServeSOCKS5(ln net.Listener, auth socks5.Auth) error {
	return r.serve(ln, func(c net.Conn) { r.serveSOCKS5Conn(c, auth) })
}

func (r *Relay) serveSOCKS5Conn(c net.Conn, auth socks5.Auth) {
	_ = c.SetDeadline(time.Now().Add(r.cfg.NegotiationTimeout))
	target, err := socks5.Accept(c, auth)
	if err != nil {
		if r.cfg.Verbose {
			log.Printf("socks5 %s: %v", c.RemoteAddr(), err)
		}
		_ = c.Close()
		return
	}

	if r.Blocked(target.Address) {
		socks5.WriteNotAllowedReply(c, target.Atyp)
		_ = c.Close()
		return
	}
	if err := socks5.WriteSuccessReply(c, c.LocalAddr()); err != nil {
		if r.cfg.Verbose {
			log.Printf("socks5 %s: %v", c.RemoteAddr(), err)
		}
		_ = c.Close()
		return
	}
	_ = c.SetDeadline(time.Time{})

	r.ServeTunnel(c, target.Address)
}
