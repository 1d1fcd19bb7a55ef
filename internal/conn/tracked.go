package conn

import (
	"net"
	"sync"
	"sync/atomic"
)

// Tracked wraps a net.Conn and records whether it has been closed, so that a
// peer session can ask if the connection is still active.
type Tracked struct {
	net.Conn

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Track wraps c. Wrapping an already tracked connection returns it unchanged.
func Track(c net.Conn) *Tracked {
	if t, ok := c.(*Tracked); ok {
		return t
	}
	return &Tracked{Conn: c}
}

// Active reports whether Close has not been called yet.
func (t *Tracked) Active() bool {
	return !t.closed.Load()
}

// Close closes the underlying connection once.
func (t *Tracked) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.Conn.Close()
	})
	return t.closeErr
}

type closeWriter interface {
	CloseWrite() error
}

// FlushAndClose half-closes the write side first, when the underlying
// connection supports it, so bytes already written reach the peer ahead of
// the FIN, then closes the connection. It is a no-op on an inactive
// connection.
func (t *Tracked) FlushAndClose() {
	if !t.Active() {
		return
	}
	if cw, ok := t.Conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
	_ = t.Close()
}
