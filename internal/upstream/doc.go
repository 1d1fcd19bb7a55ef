// Package upstream selects the upstream relay server that client sessions are
// forwarded through.
//
// A Registry holds either a server pinned by configuration or a pool of
// candidates. On first use of an unresolved pool, the Racer opens a TLS
// handshake to every candidate concurrently and pins whichever completes
// first; the race connections are closed and the production connection is
// dialed separately by the caller. When the pinned server later fails, the
// caller invalidates it: the server is penalized for a while and the next
// session triggers a fresh race.
package upstream
