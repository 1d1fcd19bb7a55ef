package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/relay/internal/conn"
	"github.com/die-net/relay/internal/dialer"
	"github.com/die-net/relay/internal/metrics"
	"github.com/die-net/relay/internal/relay"
	"github.com/die-net/relay/internal/socks5"
	"github.com/die-net/relay/internal/tproxy"
	"github.com/die-net/relay/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		httpListen   = pflag.String("http-listen", "", "HTTP proxy listen address (e.g. 127.0.0.1:8080). Empty disables.")
		socksListen  = pflag.String("socks5-listen", "", "SOCKS5 proxy listen address (e.g. 127.0.0.1:1080). Empty disables.")
		tproxyListen = pflag.String("tproxy-listen", "", "Transparent proxy listen address (e.g. 127.0.0.1:1234). Empty disables.")
		debugListen  = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")

		configPath = pflag.String("config", os.Getenv("RELAY_CONFIG"), "YAML configuration file (defaults to $RELAY_CONFIG)")

		_ = pflag.String("remote-server", "", "Upstream relay server host[:port], used without racing")
		_ = pflag.String("remote-servers", "", "Comma-separated upstream relay servers to race for the fastest")
		_ = pflag.String("remote-username", "", "Username for the upstream Proxy-Authorization header")
		_ = pflag.String("remote-password", "", "Password for the upstream Proxy-Authorization header")
		_ = pflag.Int("remote-port", 443, "Default port for upstream servers given without one")
		_ = pflag.String("blacklist", "", "Comma-separated case-insensitive regexps of refused destination hosts")

		insecure     = pflag.Bool("remote-insecure-skip-verify", false, "Skip upstream server certificate verification")
		socksUser    = pflag.String("socks5-username", "", "Require this SOCKS5 username. Empty allows unauthenticated clients.")
		socksPass    = pflag.String("socks5-password", "", "SOCKS5 password, with --socks5-username")
		raceTimeout  = pflag.Duration("race-timeout", 10*time.Second, "How long to race upstream servers for a winner")
		penaltyTTL   = pflag.Duration("upstream-penalty", time.Minute, "How long a failed upstream sits out of re-races")
		maxUpstreams = pflag.Int64("max-active-upstreams", 25, "Warn when more upstream connections than this are open")
		dialTimeout  = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiation  = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for TLS and SOCKS5 negotiation")
		useAllProxy  = pflag.Bool("use-all-proxy", false, "Reach upstream servers through $ALL_PROXY when set")
		tcpKeepAlive = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		verbose      = pflag.Bool("verbose", false, "Enable per-connection logging")
	)

	if !tproxy.IsSupported {
		_ = pflag.CommandLine.MarkHidden("tproxy-listen")
	}

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if *httpListen == "" && *socksListen == "" && *tproxyListen == "" {
		return errors.New("no listeners enabled (set at least one of --http-listen, --socks5-listen, --tproxy-listen)")
	}

	st, err := loadSettings(*configPath, pflag.CommandLine)
	if err != nil {
		return err
	}

	d, err := dialer.New(dialer.Config{DialTimeout: *dialTimeout, KeepAlive: ka, UseEnvironment: *useAllProxy})
	if err != nil {
		return fmt.Errorf("dialer: %w", err)
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: *insecure} //nolint:gosec // Opt-in via flag.

	reg, err := upstream.NewRegistry(upstream.RegistryConfig{
		Pinned:      st.pinned,
		Pool:        st.pool,
		RaceTimeout: *raceTimeout,
		PenaltyTTL:  *penaltyTTL,
	}, upstream.NewRacer(d, tlsConfig, *verbose))
	if err != nil {
		return err
	}
	if st.pinned != nil {
		log.Printf("using upstream %s", st.pinned)
	} else {
		log.Printf("racing upstreams %s on first use", upstream.FormatServers(st.pool))
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := relay.New(ctx, relay.Config{
		Upstreams:          reg,
		Dialer:             d,
		TLSConfig:          tlsConfig,
		Filter:             st.filter,
		Credential:         st.credential,
		NegotiationTimeout: *negotiation,
		MaxActiveUpstreams: *maxUpstreams,
		Verbose:            *verbose,
	})
	if err != nil {
		return err
	}

	if *debugListen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		http.Handle("/metrics", promhttp.Handler())

		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Printf("debug listening on %s", *debugListen)
	}

	if *httpListen != "" {
		ln, err := conn.ListenTCP("tcp", *httpListen, ka)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		context.AfterFunc(ctx, func() { _ = ln.Close() })

		g.Go(func() error {
			if err := r.Serve(ln); err != nil {
				return fmt.Errorf("http relay serve: %w", err)
			}
			return nil
		})
		log.Printf("http relay listening on %s", *httpListen)
	}

	if *socksListen != "" {
		if *socksPass != "" && *socksUser == "" {
			return errors.New("--socks5-password requires --socks5-username")
		}
		ln, err := conn.ListenTCP("tcp", *socksListen, ka)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		context.AfterFunc(ctx, func() { _ = ln.Close() })

		auth := socks5.Auth{Username: *socksUser, Password: *socksPass}
		g.Go(func() error {
			if err := r.ServeSOCKS5(ln, auth); err != nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})
		log.Printf("socks5 relay listening on %s", *socksListen)
	}

	if *tproxyListen != "" {
		ln, err := tproxy.ListenTransparentTCP(*tproxyListen, ka)
		if err != nil {
			return fmt.Errorf("tproxy listen: %w", err)
		}
		tsrv := tproxy.NewServer(ctx, r, *verbose)
		context.AfterFunc(ctx, func() { _ = ln.Close() })

		g.Go(func() error {
			if err := tsrv.Serve(ln); err != nil {
				return fmt.Errorf("tproxy serve: %w", err)
			}
			return nil
		})
		log.Printf("tproxy listening on %s", *tproxyListen)
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Print("shutting down")
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
