package testutil

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
)

// EncryptedAlert is a TLS 1.2 encrypted alert record as an upstream relays it
// when the destination sends close_notify.
var EncryptedAlert = append([]byte{0x15, 0x03, 0x03, 0x00, 0x1a}, make([]byte, 0x1a)...)

// SeenRequest records what the upstream proxy double received.
type SeenRequest struct {
	Method string
	URI    string
	Auth   string
}

// UpstreamProxy is an HTTPS proxy double. CONNECT requests are answered and
// then echoed back; other requests get a 200 whose body is
// "METHOD URI BODY".
type UpstreamProxy struct {
	net.Listener

	// Auth is the expected Proxy-Authorization value; empty accepts anything.
	Auth string
	// ConnectStatus answers CONNECT; zero means 200.
	ConnectStatus int
	// AlertAfterConnect writes EncryptedAlert right after a successful CONNECT.
	AlertAfterConnect bool
	// CloseAfterConnect closes the tunnel after echoing its first read.
	CloseAfterConnect bool
	// MaxRequests closes a connection after that many plain requests; zero
	// means no limit.
	MaxRequests int
	// Response, if set, answers plain requests verbatim.
	Response string

	conns atomic.Int32
	mu    sync.Mutex
	seen  []SeenRequest
}

// StartUpstreamProxy starts p on a TLS listener.
func StartUpstreamProxy(t *testing.T, p *UpstreamProxy) *UpstreamProxy {
	t.Helper()

	p.Listener = StartTLSServer(t, p.serve)
	return p
}

// Connections returns how many connections have been accepted.
func (p *UpstreamProxy) Connections() int {
	return int(p.conns.Load())
}

// Requests returns the requests seen so far.
func (p *UpstreamProxy) Requests() []SeenRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SeenRequest(nil), p.seen...)
}

func (p *UpstreamProxy) serve(c *tls.Conn) {
	p.conns.Add(1)
	br := bufio.NewReader(c)
	for served := 0; ; served++ {
		if p.MaxRequests > 0 && served == p.MaxRequests {
			return
		}
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		auth := req.Header.Get("Proxy-Authorization")

		p.mu.Lock()
		p.seen = append(p.seen, SeenRequest{Method: req.Method, URI: req.RequestURI, Auth: auth})
		p.mu.Unlock()

		if p.Auth != "" && auth != p.Auth {
			_, _ = io.WriteString(c, "HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n")
			return
		}

		if req.Method == http.MethodConnect {
			status := p.ConnectStatus
			if status == 0 {
				status = http.StatusOK
			}
			if _, err := fmt.Fprintf(c, "HTTP/1.1 %d %s\r\n\r\n", status, http.StatusText(status)); err != nil {
				return
			}
			if status != http.StatusOK {
				return
			}
			if p.AlertAfterConnect {
				if _, err := c.Write(EncryptedAlert); err != nil {
					return
				}
			}
			if p.CloseAfterConnect {
				buf := make([]byte, 512)
				n, err := br.Read(buf)
				if err == nil {
					_, _ = c.Write(buf[:n])
				}
				return
			}
			_, _ = io.Copy(c, br)
			return
		}

		body, _ := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if p.Response != "" {
			if _, err := io.WriteString(c, p.Response); err != nil || req.Close {
				return
			}
			continue
		}
		msg := fmt.Sprintf("%s %s %s", req.Method, req.RequestURI, body)
		if _, err := fmt.Fprintf(c, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s", len(msg), msg); err != nil {
			return
		}
		if req.Close {
			return
		}
	}
}
