package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/die-net/relay/internal/conn"
	"github.com/die-net/relay/internal/metrics"
	"github.com/die-net/relay/internal/upstream"
)

// encryptedAlert is the first four bytes of a TLS 1.2 encrypted alert record
// header with a zero high length byte. The upstream relays one when the
// destination sends close_notify; it is dropped rather than forwarded.
const encryptedAlert = 0x15030300

func isEncryptedAlert(chunk []byte) bool {
	return len(chunk) >= 4 && binary.BigEndian.Uint32(chunk) == encryptedAlert
}

type backendState int

const (
	stateHandshaking backendState = iota
	stateAwaitingResponse
	stateTunneling
	stateIdle
	stateClosed
)

func (s backendState) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateAwaitingResponse:
		return "awaiting-response"
	case stateTunneling:
		return "tunneling"
	case stateIdle:
		return "idle"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type backendEvent int

const eventFulfilled backendEvent = 1

// backendSession owns one TLS connection to an upstream relay server and
// serves one Request on it.
type backendSession struct {
	relay  *Relay
	server upstream.Server
	raw    net.Conn
	conn   *tls.Conn
	br     *bufio.Reader
	req    *Request

	mu    sync.Mutex
	state backendState
	auth  *authStage

	// inbox carries follow-up plain requests on a kept-alive upstream.
	inbox chan message
	// results answers each message once it has been written upstream
	// (tunnels) or its response relayed (plain requests).
	results chan error
	// events is drained by the session's own watcher goroutine.
	events chan backendEvent

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newBackendSession(r *Relay, server upstream.Server, raw net.Conn, req *Request) *backendSession {
	return &backendSession{
		relay:   r,
		server:  server,
		raw:     raw,
		conn:    tls.Client(raw, server.TLSConfig(r.cfg.TLSConfig)),
		req:     req,
		inbox:   make(chan message),
		results: make(chan error, 1),
		events:  make(chan backendEvent, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (b *backendSession) setState(s backendState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// describe reports the state for logging, noting an exchange in flight.
func (b *backendSession) describe() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.auth != nil {
		return b.state.String() + " (" + b.auth.req.Method + " pending)"
	}
	return b.state.String()
}

func (b *backendSession) installAuth(req *http.Request) *authStage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth = newAuthStage(b.relay.cfg.Credential, req)
	return b.auth
}

func (b *backendSession) removeAuth() {
	b.mu.Lock()
	b.auth = nil
	b.mu.Unlock()
}

// finished reports whether run has returned.
func (b *backendSession) finished() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// run drives the session until the upstream connection is gone.
func (b *backendSession) run(ctx context.Context) {
	defer close(b.done)

	n := metrics.ActiveUpstreams.Add(1)
	defer metrics.ActiveUpstreams.Add(-1)
	if limit := b.relay.cfg.MaxActiveUpstreams; limit > 0 && n > limit {
		log.Printf("warning: %d active upstream connections, above %d", n, limit)
	}

	watchDone := make(chan struct{})
	go b.watch(watchDone)
	defer close(watchDone)

	err := b.serve(ctx)
	switch {
	case err == nil:
	case isClosed(err) && b.req.Fulfilled():
	default:
		log.Printf("upstream %s: %s: request %s: %v", b.server, b.describe(), b.req, err)
	}

	b.setState(stateClosed)
	// A failed plain request is answered and closed by the client session.
	if b.req.Valid() && (err == nil || b.req.Tunnel()) {
		b.req.Client.FlushAndClose()
	}
	_ = b.conn.Close()

	if b.relay.cfg.Verbose {
		log.Printf("upstream %s: closed request %s", b.server, b.req)
	}
}

// watch applies events posted by the client side, so that teardown always
// happens on the session's own goroutines.
func (b *backendSession) watch(stop <-chan struct{}) {
	for {
		select {
		case ev := <-b.events:
			if ev == eventFulfilled {
				b.shutdown()
			}
		case <-stop:
			return
		}
	}
}

func (b *backendSession) shutdown() {
	b.closeOnce.Do(func() {
		close(b.closing)
		_ = b.raw.Close()
	})
}

// markFulfilled is called by the client session when the client goes away.
// It only acts for the client this session is serving, and only once.
func (b *backendSession) markFulfilled(client *conn.Tracked) {
	if b.req == nil || b.req.Client != client {
		if b.relay.cfg.Verbose {
			log.Printf("upstream %s: fulfill for foreign client %s ignored", b.server, client.RemoteAddr())
		}
		return
	}
	if !b.req.MarkFulfilled() {
		return
	}
	select {
	case b.events <- eventFulfilled:
	default:
	}
}

func (b *backendSession) serve(ctx context.Context) error {
	b.setState(stateHandshaking)
	hctx, cancel := context.WithTimeout(ctx, b.relay.cfg.NegotiationTimeout)
	err := b.conn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		if !b.req.Fulfilled() {
			b.relay.cfg.Upstreams.Invalidate(b.server)
		}
		err = fmt.Errorf("%w: %s: %w", upstream.ErrUpstreamHandshake, b.server, err)
		b.results <- err
		return err
	}
	b.br = bufio.NewReader(b.conn)

	msg := b.req.initial
	for {
		if msg.kind == kindRaw {
			return b.establishTunnel(msg.payload)
		}

		keep, err := b.roundTrip(msg.req)
		b.results <- err
		if err != nil || !keep {
			return err
		}

		b.setState(stateIdle)
		select {
		case msg = <-b.inbox:
		case <-b.closing:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// establishTunnel asks the upstream for a CONNECT tunnel, writes the bytes
// that triggered it, then relays upstream bytes to the client until either
// side closes.
func (b *backendSession) establishTunnel(pending []byte) error {
	b.setState(stateAwaitingResponse)
	resp, _, err := b.installAuth(newConnectRequest(b.req.URI)).exchange(b.conn, b.br)
	b.removeAuth()
	if err != nil {
		if !b.req.Fulfilled() {
			b.relay.cfg.Upstreams.Invalidate(b.server)
		}
		b.results <- err
		return err
	}
	// The body of a 2xx CONNECT response is the tunnel itself, so it is
	// never read through resp.Body.
	if resp.StatusCode/100 != 2 {
		err := fmt.Errorf("%w: %s: %s", ErrUpstreamResponse, b.req.URI, resp.Status)
		b.results <- err
		return err
	}

	b.setState(stateTunneling)
	metrics.Tunnels.Add(1)
	if len(pending) > 0 {
		if _, err := b.conn.Write(pending); err != nil {
			b.results <- err
			return err
		}
	}
	b.results <- nil

	return b.pumpTunnel()
}

func (b *backendSession) pumpTunnel() error {
	buf := b.relay.buffers.Get()
	defer b.relay.buffers.Put(buf)

	for {
		n, err := b.br.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			switch {
			case isEncryptedAlert(chunk):
				if b.relay.cfg.Verbose {
					log.Printf("upstream %s: dropped close notification for %s", b.server, b.req)
				}
			case b.req.Valid():
				if _, werr := b.req.Client.Write(chunk); werr != nil {
					return fmt.Errorf("client write: %w", werr)
				}
			}
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) || isClosed(err) {
				return nil
			}
			return err
		}
	}
}

// roundTrip forwards one plain request and relays its response to the
// client byte for byte. It reports whether the upstream connection may carry
// another request. Errors after the client has seen part of the response
// wrap errResponseStarted.
func (b *backendSession) roundTrip(req *http.Request) (bool, error) {
	b.setState(stateAwaitingResponse)
	resp, head, err := b.installAuth(req).exchange(b.conn, b.br)
	b.removeAuth()
	if err != nil {
		return false, err
	}
	if !b.req.Valid() {
		return false, nil
	}

	started := false
	for {
		if _, err := b.req.Client.Write(head); err != nil {
			return false, responseError(started, fmt.Errorf("client write: %w", err))
		}
		started = true
		if resp.StatusCode/100 != 1 || resp.StatusCode == http.StatusSwitchingProtocols {
			break
		}
		// Interim response; the final one follows.
		if resp, head, err = readResponseHead(b.br, req); err != nil {
			return false, responseError(started, err)
		}
	}

	keep, err := relayBody(b.req.Client, b.br, req, resp)
	if err != nil {
		return false, responseError(started, err)
	}
	return keep && !resp.Close && !req.Close, nil
}

func responseError(started bool, err error) error {
	if started {
		return fmt.Errorf("%w: %w", errResponseStarted, err)
	}
	return err
}

// send writes tunnel bytes from the client upstream.
func (b *backendSession) send(payload []byte) error {
	if _, err := b.conn.Write(payload); err != nil {
		return fmt.Errorf("upstream write: %w", err)
	}
	return nil
}

// submit hands a follow-up plain request to an idle session and waits for it
// to be served.
func (b *backendSession) submit(msg message) error {
	select {
	case b.inbox <- msg:
	case <-b.done:
		return errBackendClosed
	}
	return b.wait()
}

// wait blocks until the session answers the last message it was given.
func (b *backendSession) wait() error {
	select {
	case err := <-b.results:
		return err
	case <-b.done:
		select {
		case err := <-b.results:
			return err
		default:
			return errBackendClosed
		}
	}
}
