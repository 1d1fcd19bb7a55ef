package tproxy

import (
	"net"
	"testing"
)

func TestLocalDst(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	addr, ok := localDst(c)
	if !ok {
		t.Fatal("localDst failed")
	}
	if addr.String() != c.LocalAddr().String() {
		t.Fatalf("localDst = %s, want %s", addr, c.LocalAddr())
	}
}

func TestOriginalDstNotTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	if _, ok := OriginalDst(a); ok {
		t.Fatal("OriginalDst succeeded on a pipe")
	}
}
