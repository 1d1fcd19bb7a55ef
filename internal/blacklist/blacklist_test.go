package blacklist

import (
	"net/netip"
	"testing"
)

func TestIsBlocked(t *testing.T) {
	t.Parallel()

	f, err := ParsePatterns("ads, Tracker\\.example ,,")
	if err != nil {
		t.Fatal(err)
	}
	if f.Len() != 2 {
		t.Fatalf("expected 2 patterns, got %d", f.Len())
	}

	tests := []struct {
		name string
		uri  string
		want bool
	}{
		{name: "connect allowed", uri: "example.com:443", want: false},
		{name: "absolute allowed", uri: "http://example.com/index.html", want: false},
		{name: "pattern substring", uri: "http://cdn.ads.example.net/x.js", want: true},
		{name: "pattern case-insensitive", uri: "ADSERVER.example.org:443", want: true},
		{name: "pattern escaped dot", uri: "https://tracker.example/p", want: true},
		{name: "pattern only matches host", uri: "http://example.com/ads/banner.png", want: false},
		{name: "public ip", uri: "93.184.216.34:443", want: false},
		{name: "loopback v4", uri: "127.0.0.1:8080", want: true},
		{name: "loopback v6", uri: "[::1]:443", want: true},
		{name: "link-local", uri: "http://169.254.169.254/latest/meta-data", want: true},
		{name: "site-local 10/8", uri: "10.1.2.3:22", want: true},
		{name: "site-local 172.16/12", uri: "https://172.20.0.1/", want: true},
		{name: "site-local 192.168/16", uri: "192.168.1.1:443", want: true},
		{name: "site-local v6", uri: "[fec0::1]:443", want: true},
		{name: "any-local", uri: "0.0.0.0:80", want: true},
		{name: "v4-mapped loopback", uri: "[::ffff:127.0.0.1]:443", want: true},
		{name: "digit-leading hostname", uri: "163.com:443", want: false},
		{name: "malformed percent", uri: "http://exa%zzmple.com/", want: true},
		{name: "malformed bracket", uri: "[::1:443", want: true},
		{name: "missing host", uri: "http:///path", want: true},
		{name: "empty", uri: "", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.IsBlocked(tt.uri); got != tt.want {
				t.Fatalf("IsBlocked(%q) = %v, want %v", tt.uri, got, tt.want)
			}
		})
	}
}

func TestLocalAddressesBlockedWithoutPatterns(t *testing.T) {
	t.Parallel()

	f, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, uri := range []string{
		"127.0.0.1:443", "10.0.0.1:443", "[fe80::1]:443", "192.168.0.10:80",
		// inet_aton shorthands
		"127.1:443", "http://127.1/", "http://2130706433/", "10.1:80", "http://0x7f.0.0.1/",
		"http://0177.0.0.1/", "192.168.257:80", "0:80",
		// numeric but unparsable: fail closed
		"1.2.3.4.5:80", "http://1.2.3.999/", "http://0x.1/", "09.1.1.1:80",
	} {
		if !f.IsBlocked(uri) {
			t.Fatalf("expected %q to be blocked", uri)
		}
	}
	for _, uri := range []string{"example.com:443", "163.com:443", "http://8.8.8.8/", "http://0x08080808/", "134744072:53"} {
		if f.IsBlocked(uri) {
			t.Fatalf("expected %q to be allowed", uri)
		}
	}
}

func TestParseInetAton(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "127.1", want: "127.0.0.1"},
		{in: "10.1", want: "10.0.0.1"},
		{in: "2130706433", want: "127.0.0.1"},
		{in: "0x7f.0.0.1", want: "127.0.0.1"},
		{in: "0177.0.0.01", want: "127.0.0.1"},
		{in: "192.168.257", want: "192.168.1.1"},
		{in: "1.2.3.4.", want: "1.2.3.4"},
		{in: "256.1", wantErr: true},
		{in: "1.2.3.256", wantErr: true},
		{in: "1.2.65536", wantErr: true},
		{in: "4294967296", wantErr: true},
		{in: "08", wantErr: true},
		{in: "1..2", wantErr: true},
		{in: "1.2.3.4.5", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseInetAton(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseInetAton(%q) = %s, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseInetAton(%q): %v", tt.in, err)
		}
		if got.String() != tt.want {
			t.Fatalf("parseInetAton(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewInvalidPattern(t *testing.T) {
	t.Parallel()

	if _, err := New([]string{"ok", "bad("}); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestCheckReason(t *testing.T) {
	t.Parallel()

	f, err := New([]string{"blocked"})
	if err != nil {
		t.Fatal(err)
	}
	reason, ok := f.Check("blocked.example:443")
	if !ok || reason != "matches blocked" {
		t.Fatalf("got reason=%q blocked=%v", reason, ok)
	}
}

func TestIsLocal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		want bool
	}{
		{"8.8.8.8", false},
		{"2606:4700::1111", false},
		{"127.0.0.53", true},
		{"fd00::1", true},
		{"::", true},
	}
	for _, tt := range tests {
		if got := IsLocal(netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Fatalf("IsLocal(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
