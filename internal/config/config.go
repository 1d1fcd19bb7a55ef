// Package config loads the relay's key/value configuration.
//
// The file is YAML holding a flat mapping of dotted keys. Scalars are used
// as-is; sequences are joined with commas, so both forms below are
// equivalent:
//
//	remote.servers: "a.example.com, b.example.com:8443"
//	remote.servers:
//	  - a.example.com
//	  - b.example.com:8443
//
// Example:
//
//	remote.servers: [us.example.com, eu.example.com]
//	remote.username: alice
//	remote.password: s3cret
//	remote.port: 443
//	proxy.blacklist: [doubleclick, "ads\\."]
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Recognized keys.
const (
	KeyRemoteServer   = "remote.server"
	KeyRemoteServers  = "remote.servers"
	KeyRemoteUsername = "remote.username"
	KeyRemotePassword = "remote.password"
	KeyRemotePort     = "remote.port"
	KeyBlacklist      = "proxy.blacklist"
)

// DefaultRemotePort applies to server entries without an explicit port.
const DefaultRemotePort = 443

var knownKeys = map[string]bool{
	KeyRemoteServer:   true,
	KeyRemoteServers:  true,
	KeyRemoteUsername: true,
	KeyRemotePassword: true,
	KeyRemotePort:     true,
	KeyBlacklist:      true,
}

// Properties is a flat key/value configuration.
type Properties map[string]string

// Load reads the YAML file at path. An empty path yields empty Properties.
func Load(path string) (Properties, error) {
	p := Properties{}
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := p.parse(data); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes YAML data into Properties.
func Parse(data []byte) (Properties, error) {
	p := Properties{}
	if err := p.parse(data); err != nil {
		return nil, err
	}
	return p, nil
}

func (p Properties) parse(data []byte) error {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}

	for k, n := range raw {
		if !knownKeys[k] {
			return fmt.Errorf("unknown key %q", k)
		}
		switch n.Kind {
		case yaml.ScalarNode:
			p[k] = strings.TrimSpace(n.Value)
		case yaml.SequenceNode:
			vals := make([]string, 0, len(n.Content))
			for _, c := range n.Content {
				if c.Kind != yaml.ScalarNode {
					return fmt.Errorf("key %q: sequence entries must be scalars", k)
				}
				vals = append(vals, strings.TrimSpace(c.Value))
			}
			p[k] = strings.Join(vals, ",")
		default:
			return fmt.Errorf("key %q: expected scalar or sequence", k)
		}
	}
	return nil
}

// Get returns the value for key, or def when unset or empty.
func (p Properties) Get(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Set stores value under key.
func (p Properties) Set(key, value string) {
	p[key] = value
}

// Port returns remote.port, defaulting to DefaultRemotePort.
func (p Properties) Port() (int, error) {
	s := p.Get(KeyRemotePort, "")
	if s == "" {
		return DefaultRemotePort, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", KeyRemotePort, err)
	}
	if n <= 0 || n > 65535 {
		return 0, fmt.Errorf("%s: %d out of range", KeyRemotePort, n)
	}
	return n, nil
}

// Credentials returns the configured upstream username and password.
func (p Properties) Credentials() (string, string, error) {
	user := p.Get(KeyRemoteUsername, "")
	pass := p.Get(KeyRemotePassword, "")
	if user == "" && pass != "" {
		return "", "", errors.New(KeyRemotePassword + " set without " + KeyRemoteUsername)
	}
	return user, pass, nil
}
