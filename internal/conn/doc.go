// Package conn holds connection plumbing shared by the relay listeners and
// sessions: keepalive listeners, a tracked net.Conn that remembers whether it
// is still open, and a pool of relay buffers.
package conn
