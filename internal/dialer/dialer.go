package dialer

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// ContextDialer mirrors the net.Dialer interface.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New constructs the outbound dialer described by cfg.
//
// Without UseEnvironment this is the direct dialer. With it, the ALL_PROXY
// environment variable (e.g. socks5://host:1080) is consulted once per
// process, and NO_PROXY entries bypass it.
func New(cfg Config) (ContextDialer, error) {
	direct := NewDirectDialer(cfg)
	if !cfg.UseEnvironment {
		return direct, nil
	}

	d := proxy.FromEnvironmentUsing(direct)
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("environment proxy dialer %T does not support DialContext", d)
	}
	return cd, nil
}
