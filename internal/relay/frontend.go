package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/google/uuid"

	"github.com/die-net/relay/internal/conn"
	"github.com/die-net/relay/internal/metrics"
)

const (
	connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	forbidden          = "HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
	badGateway         = "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
)

// clientSession owns one accepted client connection.
type clientSession struct {
	relay  *Relay
	id     string
	client *conn.Tracked
	br     *bufio.Reader
	stage  stage

	// uri is the destination of the current request; empty until one has
	// been accepted.
	uri     string
	backend *backendSession
	// ready is set once the tunnel upstream has been established, after
	// which raw bytes go straight to it.
	ready bool
	buf   []byte
}

func (r *Relay) newClientSession(c net.Conn) *clientSession {
	client := conn.Track(c)
	br := bufio.NewReader(client)
	return &clientSession{
		relay:  r,
		id:     uuid.NewString(),
		client: client,
		br:     br,
		stage:  &httpStage{br: br},
	}
}

func (s *clientSession) enterRaw() {
	s.buf = s.relay.buffers.Get()
	s.stage = &rawStage{br: s.br, buf: s.buf}
}

func (s *clientSession) serve() {
	metrics.Sessions.Add(1)
	stop := context.AfterFunc(s.relay.ctx, func() { _ = s.client.Close() })
	defer stop()
	defer func() {
		if s.buf != nil {
			s.relay.buffers.Put(s.buf)
		}
	}()

	if s.relay.cfg.Verbose {
		log.Printf("client %s: session %s opened", s.client.RemoteAddr(), s.id)
	}

	for {
		msg, err := s.stage.next()
		if err == nil {
			err = s.handle(msg)
		}
		if err != nil {
			s.disconnect(err)
			return
		}
	}
}

// disconnect closes the client and tells an active upstream session that its
// request is fulfilled.
func (s *clientSession) disconnect(err error) {
	switch {
	case isClosed(err) || errors.Is(err, ErrBlacklisted):
		if s.relay.cfg.Verbose {
			log.Printf("client %s: session %s closed: %v", s.client.RemoteAddr(), s.id, err)
		}
		_ = s.client.Close()
	default:
		log.Printf("client %s: session %s: %v", s.client.RemoteAddr(), s.id, err)
		s.client.FlushAndClose()
	}

	if s.backend != nil && !s.backend.finished() {
		s.backend.markFulfilled(s.client)
	}
}

func (s *clientSession) handle(msg message) error {
	switch msg.kind {
	case kindTunnel, kindRequest:
		uri := requestURI(msg.req)
		if s.relay.Blocked(uri) {
			_, _ = io.WriteString(s.client, forbidden)
			s.client.FlushAndClose()
			return fmt.Errorf("%w: %s", ErrBlacklisted, uri)
		}
		s.uri = uri

		if msg.kind == kindTunnel {
			s.retire()
			if _, err := io.WriteString(s.client, connectEstablished); err != nil {
				return err
			}
			s.enterRaw()
			return nil
		}
		var err error
		if s.backend != nil && !s.backend.finished() {
			err = s.backend.submit(msg)
		} else {
			err = s.bootstrap(msg)
		}
		if err != nil && !errors.Is(err, errResponseStarted) {
			_, _ = io.WriteString(s.client, badGateway)
		}
		return err

	case kindRaw:
		if s.ready {
			return s.backend.send(msg.payload)
		}
		if s.uri == "" {
			return ErrProtocolViolation
		}
		if err := s.bootstrap(msg); err != nil {
			return err
		}
		s.ready = true
		return nil
	}
	return fmt.Errorf("unexpected %s message", msg.kind)
}

// retire ends a plain-HTTP pairing before the connection switches to a
// tunnel.
func (s *clientSession) retire() {
	if s.backend == nil {
		return
	}
	if !s.backend.finished() {
		s.backend.markFulfilled(s.client)
	}
	s.backend = nil
}

// bootstrap dials the pinned upstream and starts a backend session for msg.
// Client reads stay suspended until the upstream is ready.
func (s *clientSession) bootstrap(msg message) error {
	server, err := s.relay.cfg.Upstreams.Pinned(s.relay.ctx)
	if err != nil {
		return fmt.Errorf("select upstream: %w", err)
	}

	raw, err := s.relay.cfg.Dialer.DialContext(s.relay.ctx, "tcp", server.Addr())
	if err != nil {
		s.relay.cfg.Upstreams.Invalidate(server)
		return fmt.Errorf("upstream %s: %w", server, err)
	}

	req := newRequest(s.id, s.client, s.uri, msg)
	b := newBackendSession(s.relay, server, raw, req)
	s.backend = b
	if s.relay.cfg.Verbose {
		log.Printf("client %s: request %s via %s", s.client.RemoteAddr(), req, server)
	}
	go b.run(s.relay.ctx)

	return b.wait()
}
