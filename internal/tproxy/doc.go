// Package tproxy accepts transparently redirected TCP connections and relays
// each one as a tunnel to its original destination.
//
// Linux listens with IP_TRANSPARENT and reads the destination with
// SO_ORIGINAL_DST, falling back to the local address for TPROXY rules.
// FreeBSD (IP_BINDANY) and OpenBSD (SO_BINDANY) take it from the local
// address, which IPFW fwd and PF rdr-to preserve. Elsewhere IsSupported is
// false and listening fails.
package tproxy
