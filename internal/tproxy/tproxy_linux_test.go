//go:build linux

package tproxy

import (
	"net"
	"testing"
)

func TestNatDstWithoutRedirect(t *testing.T) {
	for _, network := range []string{"tcp4", "tcp6"} {
		t.Run(network, func(t *testing.T) {
			addr := "127.0.0.1:0"
			if network == "tcp6" {
				addr = "[::1]:0"
			}
			ln, err := net.Listen(network, addr)
			if err != nil {
				t.Skipf("%s unavailable: %v", network, err)
			}
			defer ln.Close()

			c, err := net.Dial(network, ln.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()

			rc, err := c.(*net.TCPConn).SyscallConn()
			if err != nil {
				t.Fatal(err)
			}
			var got *net.TCPAddr
			if err := rc.Control(func(fd uintptr) {
				got = natDst(int(fd), c.LocalAddr())
			}); err != nil {
				t.Fatal(err)
			}
			// Without a redirect, conntrack either has no entry or reports
			// the address that was dialed.
			if got != nil && got.String() != c.LocalAddr().String() {
				t.Fatalf("natDst = %v, want nil or %s", got, c.LocalAddr())
			}

			dst, ok := OriginalDst(c)
			if !ok || dst.String() != c.LocalAddr().String() {
				t.Fatalf("OriginalDst = %v, %v; want %s", dst, ok, c.LocalAddr())
			}
		})
	}
}
