// Package dialer provides the outbound dialer used to reach upstream relay
// servers.
//
// Dialers implement a small interface (DialContext). The direct dialer applies
// the configured TCP keepalive; New optionally layers the ALL_PROXY/NO_PROXY
// environment on top of it so upstream servers can themselves be reached
// through a SOCKS5 proxy.
package dialer
