package main

import (
	"fmt"
	"log"

	"github.com/spf13/pflag"

	"github.com/die-net/relay/internal/blacklist"
	"github.com/die-net/relay/internal/config"
	"github.com/die-net/relay/internal/relay"
	"github.com/die-net/relay/internal/upstream"
)

// flagKeys maps command-line flags onto configuration keys. A flag set on
// the command line wins over the file.
var flagKeys = map[string]string{
	"remote-server":   config.KeyRemoteServer,
	"remote-servers":  config.KeyRemoteServers,
	"remote-username": config.KeyRemoteUsername,
	"remote-password": config.KeyRemotePassword,
	"remote-port":     config.KeyRemotePort,
	"blacklist":       config.KeyBlacklist,
}

type settings struct {
	pinned     *upstream.Server
	pool       []upstream.Server
	credential string
	filter     *blacklist.Filter
}

func loadSettings(path string, fs *pflag.FlagSet) (*settings, error) {
	props, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f != nil && f.Changed {
			props.Set(key, f.Value.String())
		}
	}
	return resolve(props)
}

func resolve(props config.Properties) (*settings, error) {
	port, err := props.Port()
	if err != nil {
		return nil, err
	}

	var st settings
	if s := props.Get(config.KeyRemoteServer, ""); s != "" {
		srv, err := upstream.ParseServer(s, port)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", config.KeyRemoteServer, err)
		}
		st.pinned = &srv
	}
	st.pool, err = upstream.ParseServers(props.Get(config.KeyRemoteServers, ""), port)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", config.KeyRemoteServers, err)
	}
	if st.pinned == nil && len(st.pool) == 0 {
		return nil, fmt.Errorf("no upstream configured (set %s or %s)", config.KeyRemoteServer, config.KeyRemoteServers)
	}

	user, pass, err := props.Credentials()
	if err != nil {
		return nil, err
	}
	st.credential = relay.BasicCredential(user, pass)

	st.filter, err = blacklist.ParsePatterns(props.Get(config.KeyBlacklist, ""))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", config.KeyBlacklist, err)
	}
	if n := st.filter.Len(); n > 0 {
		log.Printf("blacklist has %d patterns", n)
	}
	return &st, nil
}
