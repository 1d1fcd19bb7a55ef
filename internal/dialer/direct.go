package dialer

import (
	"context"
	"fmt"
	"net"
)

// DirectDialer connects straight to the requested address. It satisfies both
// ContextDialer and golang.org/x/net/proxy.Dialer.
type DirectDialer struct {
	cfg Config
}

// NewDirectDialer returns a DirectDialer for cfg.
func NewDirectDialer(cfg Config) *DirectDialer {
	return &DirectDialer{cfg: cfg}
}

func (d *DirectDialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.cfg.DialTimeout, KeepAliveConfig: d.cfg.KeepAlive}

	c, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	return c, nil
}
