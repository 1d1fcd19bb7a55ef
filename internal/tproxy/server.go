package tproxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"syscall"

	"github.com/die-net/relay/internal/conn"
	"github.com/die-net/relay/internal/relay"
)

// Server hands redirected connections to a Relay.
type Server struct {
	ctx     context.Context
	relay   *relay.Relay
	verbose bool
}

func NewServer(ctx context.Context, r *relay.Relay, verbose bool) *Server {
	return &Server{ctx: ctx, relay: r, verbose: verbose}
}

// Serve accepts on ln until it is closed. It returns nil once ctx is done.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handle(c)
	}
}

func (s *Server) handle(c net.Conn) {
	dst, ok := OriginalDst(c)
	if !ok {
		if s.verbose {
			log.Printf("tproxy %s: original destination unavailable", c.RemoteAddr())
		}
		_ = c.Close()
		return
	}

	target := dst.String()
	if s.relay.Blocked(target) {
		_ = c.Close()
		return
	}
	s.relay.ServeTunnel(c, target)
}

// ListenTransparentTCP listens on addr with the platform's transparent socket
// option set. Redirect rules still have to be installed separately.
func ListenTransparentTCP(addr string, ka net.KeepAliveConfig) (net.Listener, error) {
	if !IsSupported {
		return nil, fmt.Errorf("listen tproxy %s: not supported on this platform", addr)
	}
	lc := net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error {
		var optErr error
		if err := c.Control(func(fd uintptr) {
			optErr = setTransparent(network, int(fd))
		}); err != nil {
			return err
		}
		return optErr
	}}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return &conn.KeepAliveListener{Listener: ln, KeepAliveConfig: ka}, nil
}

func localDst(c net.Conn) (*net.TCPAddr, bool) {
	addr, ok := c.LocalAddr().(*net.TCPAddr)
	return addr, ok
}
