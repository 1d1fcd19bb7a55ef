package relay

import (
	"fmt"
	"sync/atomic"

	"github.com/die-net/relay/internal/conn"
)

// Request pairs one client connection with one upstream connection.
//
// fulfilled flips from false to true exactly once, whichever side gets there
// first; later teardown signals see it set and do nothing.
type Request struct {
	ID     string
	Client *conn.Tracked
	URI    string

	initial   message
	fulfilled atomic.Bool
}

func newRequest(id string, client *conn.Tracked, uri string, initial message) *Request {
	return &Request{ID: id, Client: client, URI: uri, initial: initial}
}

// Tunnel reports whether the pairing carries a CONNECT tunnel rather than
// plain HTTP requests.
func (r *Request) Tunnel() bool {
	return r.initial.kind == kindRaw
}

// MarkFulfilled marks the request fulfilled. It returns true only for the call
// that performed the transition.
func (r *Request) MarkFulfilled() bool {
	return r.fulfilled.CompareAndSwap(false, true)
}

// Fulfilled reports whether MarkFulfilled has been called.
func (r *Request) Fulfilled() bool {
	return r.fulfilled.Load()
}

// Valid reports whether bytes may still be delivered to the client.
func (r *Request) Valid() bool {
	return r != nil && r.Client.Active() && !r.fulfilled.Load()
}

func (r *Request) String() string {
	if r == nil {
		return "(none)"
	}
	return fmt.Sprintf("%s %s %s (%s)", r.ID, r.Client.RemoteAddr(), r.URI, r.initial.kind)
}
