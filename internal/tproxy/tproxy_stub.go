//go:build !linux && !freebsd && !openbsd

package tproxy

import (
	"errors"
	"net"
)

const IsSupported = false

func setTransparent(string, int) error {
	return errors.ErrUnsupported
}

func OriginalDst(net.Conn) (*net.TCPAddr, bool) {
	return nil, false
}
