// Package relay implements the client-facing relay: an HTTP forward proxy
// (plain requests and CONNECT tunnels) and a SOCKS5 front end, both of which
// forward through the pinned upstream relay server over TLS.
//
// Each client connection gets a client session. The first request is screened
// against the blacklist; CONNECT is acknowledged immediately and the session
// switches to raw bytes, while plain HTTP requests are forwarded as-is. The
// upstream connection is dialed lazily, when there is a first message to send,
// and is owned by a backend session that authenticates to the upstream proxy,
// issues the tunnel or plain request, then relays bytes back to the client.
// The two sessions share a Request that records when the pairing is
// fulfilled.
package relay
