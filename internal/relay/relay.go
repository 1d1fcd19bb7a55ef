package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/die-net/relay/internal/blacklist"
	"github.com/die-net/relay/internal/conn"
	"github.com/die-net/relay/internal/dialer"
	"github.com/die-net/relay/internal/metrics"
	"github.com/die-net/relay/internal/upstream"
)

const bufferSize = 32 * 1024

// Upstreams hands out the upstream relay server to use and takes back ones
// that failed. *upstream.Registry implements it.
type Upstreams interface {
	Pinned(ctx context.Context) (upstream.Server, error)
	Invalidate(s upstream.Server) bool
}

// Config holds everything a Relay needs.
type Config struct {
	Upstreams Upstreams
	Dialer    dialer.ContextDialer
	// TLSConfig is the base client config; ServerName is filled in per
	// upstream server.
	TLSConfig *tls.Config
	Filter    *blacklist.Filter
	// Credential is the Proxy-Authorization value sent upstream, see
	// BasicCredential. Empty sends none.
	Credential string

	NegotiationTimeout time.Duration
	// MaxActiveUpstreams only triggers a warning when exceeded.
	MaxActiveUpstreams int64
	Verbose            bool
}

// Relay serves client connections. It is safe for concurrent use.
type Relay struct {
	ctx     context.Context
	cfg     Config
	buffers *conn.BufferPool
}

// New returns a Relay whose sessions are torn down when ctx is done.
func New(ctx context.Context, cfg Config) (*Relay, error) {
	if cfg.Upstreams == nil {
		return nil, fmt.Errorf("relay: no upstreams")
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("relay: no dialer")
	}
	if cfg.Filter == nil {
		f, err := blacklist.New(nil)
		if err != nil {
			return nil, err
		}
		cfg.Filter = f
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 10 * time.Second
	}
	return &Relay{ctx: ctx, cfg: cfg, buffers: conn.NewBufferPool(bufferSize)}, nil
}

// Blocked reports whether uri must be refused, logging the reason.
func (r *Relay) Blocked(uri string) bool {
	reason, blocked := r.cfg.Filter.Check(uri)
	if blocked {
		metrics.BlockedRequests.Add(1)
		log.Printf("blocked %s: %s", uri, reason)
	}
	return blocked
}

// Serve accepts HTTP proxy clients on ln until it is closed. It returns nil
// if the Relay's context is done.
func (r *Relay) Serve(ln net.Listener) error {
	return r.serve(ln, r.ServeConn)
}

func (r *Relay) serve(ln net.Listener, handle func(net.Conn)) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if r.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go handle(c)
	}
}

// ServeConn runs an HTTP proxy session on c and closes c when done.
func (r *Relay) ServeConn(c net.Conn) {
	s := r.newClientSession(c)
	s.serve()
}

// ServeTunnel relays c to target ("host:port") as if a CONNECT for it had
// already been accepted. The caller is responsible for screening target
// with Blocked.
func (r *Relay) ServeTunnel(c net.Conn, target string) {
	s := r.newClientSession(c)
	s.uri = target
	s.enterRaw()
	s.serve()
}
