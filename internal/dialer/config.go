package dialer

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig

	// UseEnvironment routes outbound connections through the proxy named by
	// ALL_PROXY (honouring NO_PROXY) when set.
	UseEnvironment bool
}
