package relay

import (
	"bufio"
	"net/http"
)

// messageKind tags what the client's parsing stage produced.
type messageKind int

const (
	// kindRequest is a plain HTTP request head; its body streams from the
	// client reader.
	kindRequest messageKind = iota + 1
	// kindTunnel is a CONNECT request.
	kindTunnel
	// kindRaw is opaque bytes following a tunnel acknowledgment.
	kindRaw
)

func (k messageKind) String() string {
	switch k {
	case kindRequest:
		return "request"
	case kindTunnel:
		return "tunnel"
	case kindRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// message is one inbound unit from a client connection.
type message struct {
	kind    messageKind
	req     *http.Request
	payload []byte
}

// stage parses the client byte stream into messages.
type stage interface {
	next() (message, error)
}

// httpStage reads HTTP/1.x request heads.
type httpStage struct {
	br *bufio.Reader
}

func (s *httpStage) next() (message, error) {
	req, err := http.ReadRequest(s.br)
	if err != nil {
		return message{}, err
	}
	if req.Method == http.MethodConnect {
		return message{kind: kindTunnel, req: req}, nil
	}
	return message{kind: kindRequest, req: req}, nil
}

// rawStage reads opaque chunks. The returned payload aliases buf and is only
// valid until the following next call.
type rawStage struct {
	br  *bufio.Reader
	buf []byte
	err error
}

func (s *rawStage) next() (message, error) {
	if s.err != nil {
		return message{}, s.err
	}
	n, err := s.br.Read(s.buf)
	if n > 0 {
		s.err = err
		return message{kind: kindRaw, payload: s.buf[:n]}, nil
	}
	if err == nil {
		return s.next()
	}
	return message{}, err
}

// requestURI returns the destination named by a request head: host:port for
// CONNECT, an absolute URI otherwise. Origin-form requests are made absolute
// using the Host header.
func requestURI(req *http.Request) string {
	if req.Method == http.MethodConnect {
		return req.RequestURI
	}
	if !req.URL.IsAbs() {
		req.URL.Scheme = "http"
		req.URL.Host = req.Host
	}
	return req.URL.String()
}
