package upstream

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Server is an upstream relay endpoint.
type Server struct {
	Host string
	Port int
}

// Addr returns host:port suitable for dialing.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Server) String() string {
	return s.Addr()
}

// TLSConfig returns a copy of base with ServerName defaulting to s.Host.
func (s Server) TLSConfig(base *tls.Config) *tls.Config {
	var cfg *tls.Config
	if base == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = base.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = s.Host
	}
	return cfg
}

// ParseServer parses "host[:port]", applying defaultPort when the port is
// omitted. IPv6 literals must be bracketed when a port is given.
func ParseServer(entry string, defaultPort int) (Server, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return Server{}, fmt.Errorf("empty server entry")
	}

	host, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		// No port: bare host, bare IPv6 literal, or bracketed IPv6 literal.
		host = strings.TrimSuffix(strings.TrimPrefix(entry, "["), "]")
		if strings.ContainsAny(host, "[]") || (strings.Contains(host, ":") && net.ParseIP(host) == nil) {
			return Server{}, fmt.Errorf("server %q: %w", entry, err)
		}
		return Server{Host: host, Port: defaultPort}, nil
	}

	host = strings.TrimSpace(host)
	if host == "" {
		return Server{}, fmt.Errorf("server %q: missing host", entry)
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil {
		return Server{}, fmt.Errorf("server %q: invalid port: %w", entry, err)
	}
	if port <= 0 || port > 65535 {
		return Server{}, fmt.Errorf("server %q: port %d out of range", entry, port)
	}
	return Server{Host: host, Port: port}, nil
}

// ParseServers parses a comma-separated list of "host[:port]" entries. An
// empty list yields nil.
func ParseServers(csv string, defaultPort int) ([]Server, error) {
	if strings.TrimSpace(csv) == "" {
		return nil, nil
	}

	var servers []Server
	for _, entry := range strings.Split(csv, ",") {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		s, err := ParseServer(entry, defaultPort)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, nil
}

// FormatServers renders servers as "[a:1,b:2]" for logging.
func FormatServers(servers []Server) string {
	parts := make([]string, len(servers))
	for i, s := range servers {
		parts[i] = s.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}
