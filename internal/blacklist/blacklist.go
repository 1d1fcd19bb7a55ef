package blacklist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Filter decides whether a requested URI may be relayed. It is immutable after
// New returns and safe for concurrent use.
type Filter struct {
	patterns []*regexp.Regexp
}

// New compiles patterns. Each pattern is a regular expression matched
// case-insensitively anywhere in the destination host. Blank entries are
// ignored.
func New(patterns []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("blacklist pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// ParsePatterns splits a comma-separated pattern list and compiles it.
func ParsePatterns(csv string) (*Filter, error) {
	return New(strings.Split(csv, ","))
}

// Len returns the number of compiled patterns.
func (f *Filter) Len() int {
	return len(f.patterns)
}

// IsBlocked reports whether uri must not be relayed. A CONNECT-style
// "host:port" is accepted as well as an absolute URI.
func (f *Filter) IsBlocked(uri string) bool {
	_, blocked := f.Check(uri)
	return blocked
}

// Check is IsBlocked that also returns a short reason for logging.
func (f *Filter) Check(uri string) (string, bool) {
	host, err := hostOf(uri)
	if err != nil {
		return err.Error(), true
	}

	for _, re := range f.patterns {
		if re.MatchString(host) {
			return "matches " + re.String()[len("(?i)"):], true
		}
	}

	addr, err := netip.ParseAddr(host)
	if err != nil && isNumericHost(host) {
		if addr, err = parseInetAton(host); err != nil {
			return fmt.Sprintf("unresolvable address %q", host), true
		}
	}
	if err == nil && IsLocal(addr) {
		return "local address", true
	}

	return "", false
}

// isNumericHost reports whether host is meant as an IPv4 address: its last
// label starts with a digit, so no registered name can match it.
func isNumericHost(host string) bool {
	host = strings.TrimSuffix(host, ".")
	label := host[strings.LastIndexByte(host, '.')+1:]
	return label != "" && label[0] >= '0' && label[0] <= '9'
}

// parseInetAton parses the IPv4 shorthands accepted by inet_aton: one to
// four parts, each decimal, octal (leading 0) or hex (0x), the last part
// filling the remaining bytes ("127.1", "2130706433", "0x7f.0.0.1").
func parseInetAton(host string) (netip.Addr, error) {
	parts := strings.Split(strings.TrimSuffix(host, "."), ".")
	if len(parts) > 4 {
		return netip.Addr{}, fmt.Errorf("too many parts in %q", host)
	}

	var v uint64
	for i, p := range parts {
		n, err := parseInetAtonPart(p)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("part %q of %q: %w", p, host, err)
		}
		last := i == len(parts)-1
		if !last && n > 0xff {
			return netip.Addr{}, fmt.Errorf("part %q of %q out of range", p, host)
		}
		if last {
			bits := uint(8 * (4 - i))
			if n >= 1<<bits {
				return netip.Addr{}, fmt.Errorf("part %q of %q out of range", p, host)
			}
			v = v<<bits | n
		} else {
			v = v<<8 | n
		}
	}

	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return netip.AddrFrom4(b), nil
}

func parseInetAtonPart(p string) (uint64, error) {
	base := 10
	switch {
	case len(p) > 2 && (p[:2] == "0x" || p[:2] == "0X"):
		base, p = 16, p[2:]
	case len(p) > 1 && p[0] == '0':
		base, p = 8, p[1:]
	}
	if p == "" || strings.ContainsAny(p, "+-_") {
		return 0, errors.New("not a number")
	}
	return strconv.ParseUint(p, base, 32)
}

// IsLocal reports whether addr is loopback, link-local, private (site-local)
// or unspecified.
func IsLocal(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified() ||
		addr.IsPrivate() ||
		isSiteLocal6(addr)
}

// fec0::/10 is deprecated but still reported as site-local.
var siteLocal6 = netip.MustParsePrefix("fec0::/10")

func isSiteLocal6(addr netip.Addr) bool {
	return addr.Is6() && siteLocal6.Contains(addr)
}

func hostOf(uri string) (string, error) {
	if !strings.Contains(uri, "://") {
		// Tunnel requests carry a bare host:port.
		uri = "https://" + uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", uri, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("parse %q: missing host", uri)
	}
	if strings.HasPrefix(u.Host, "[") {
		if _, err := netip.ParseAddr(host); err != nil {
			return "", fmt.Errorf("parse %q: invalid IPv6 literal", uri)
		}
	}
	return host, nil
}
