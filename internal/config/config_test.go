package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(`
remote.server: pinned.example.com:8443
remote.servers:
  - a.example.com
  - " b.example.com:444 "
remote.username: alice
remote.password: s3cret
remote.port: 9443
proxy.blacklist: "doubleclick, ads"
`))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		key  string
		want string
	}{
		{KeyRemoteServer, "pinned.example.com:8443"},
		{KeyRemoteServers, "a.example.com,b.example.com:444"},
		{KeyRemoteUsername, "alice"},
		{KeyRemotePassword, "s3cret"},
		{KeyBlacklist, "doubleclick, ads"},
	}
	for _, tt := range tests {
		if got := p.Get(tt.key, ""); got != tt.want {
			t.Fatalf("%s = %q, want %q", tt.key, got, tt.want)
		}
	}

	port, err := p.Port()
	if err != nil {
		t.Fatal(err)
	}
	if port != 9443 {
		t.Fatalf("port = %d, want 9443", port)
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{name: "unknown key", data: "remote.host: x\n"},
		{name: "nested mapping", data: "remote.servers:\n  a: b\n"},
		{name: "nested sequence", data: "proxy.blacklist:\n  - [a, b]\n"},
		{name: "not a mapping", data: "- a\n- b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPortDefaultsAndRange(t *testing.T) {
	t.Parallel()

	p := Properties{}
	port, err := p.Port()
	if err != nil || port != DefaultRemotePort {
		t.Fatalf("port=%d err=%v, want %d", port, err, DefaultRemotePort)
	}

	for _, bad := range []string{"0", "70000", "https"} {
		p.Set(KeyRemotePort, bad)
		if _, err := p.Port(); err == nil {
			t.Fatalf("expected error for port %q", bad)
		}
	}
}

func TestCredentials(t *testing.T) {
	t.Parallel()

	p := Properties{KeyRemotePassword: "secret"}
	if _, _, err := p.Credentials(); err == nil {
		t.Fatal("expected error for password without username")
	}

	p.Set(KeyRemoteUsername, "bob")
	user, pass, err := p.Credentials()
	if err != nil {
		t.Fatal(err)
	}
	if user != "bob" || pass != "secret" {
		t.Fatalf("got %q/%q", user, pass)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	p, err := Load("")
	if err != nil || len(p) != 0 {
		t.Fatalf("empty path: p=%v err=%v", p, err)
	}

	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("remote.servers: [a.example.com, b.example.com]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Get(KeyRemoteServers, ""); got != "a.example.com,b.example.com" {
		t.Fatalf("got %q", got)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
