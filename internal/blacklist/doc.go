// Package blacklist screens relay destinations.
//
// A Filter holds a set of case-insensitive deny patterns compiled once at
// startup. A destination is blocked when its host matches any pattern, when
// its host is a literal IP in a loopback, link-local, private (site-local) or
// unspecified range, or when the destination cannot be parsed at all.
package blacklist
