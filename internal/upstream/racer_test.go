package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/die-net/relay/internal/dialer"
	"github.com/die-net/relay/internal/testutil"
)

func newTestRacer() *Racer {
	return NewRacer(
		dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}),
		&tls.Config{InsecureSkipVerify: true}, //nolint:gosec // Self-signed test upstreams.
		true,
	)
}

func serverFor(t *testing.T, ln net.Listener) Server {
	t.Helper()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return Server{Host: host, Port: port}
}

func closedServer(t *testing.T) Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := serverFor(t, ln)
	_ = ln.Close()
	return s
}

// startDelayedTLSServer completes TLS handshakes only after delay.
func startDelayedTLSServer(t *testing.T, delay time.Duration) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg := testutil.SelfSignedTLSConfig(t)

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				time.Sleep(delay)
				tc := tls.Server(c, cfg)
				if err := tc.Handshake(); err != nil {
					return
				}
				buf := make([]byte, 1)
				_, _ = tc.Read(buf)
			}()
		}
	}()

	return ln
}

func TestSelectBestSingleSuccess(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good := startDelayedTLSServer(t, 0)
	defer good.Close()
	silent := testutil.StartSilentServer(t, ctx)
	defer silent.Close()

	pool := []Server{serverFor(t, silent), closedServer(t), serverFor(t, good)}

	const timeout = 3 * time.Second
	start := time.Now()
	got, err := newTestRacer().SelectBest(ctx, pool, timeout)
	if err != nil {
		t.Fatal(err)
	}
	if want := serverFor(t, good); got != want {
		t.Fatalf("selected %s, want %s", got, want)
	}
	if elapsed := time.Since(start); elapsed >= timeout {
		t.Fatalf("selection took %s, expected well under the deadline", elapsed)
	}
}

func TestSelectBestFirstSuccessWins(t *testing.T) {
	t.Parallel()

	slow := startDelayedTLSServer(t, 500*time.Millisecond)
	defer slow.Close()
	fast := startDelayedTLSServer(t, 0)
	defer fast.Close()

	pool := []Server{serverFor(t, slow), serverFor(t, fast)}
	got, err := newTestRacer().SelectBest(context.Background(), pool, 3*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if want := serverFor(t, fast); got != want {
		t.Fatalf("selected %s, want %s", got, want)
	}
}

func TestSelectBestNoneInTime(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	silent1 := testutil.StartSilentServer(t, ctx)
	defer silent1.Close()
	silent2 := testutil.StartSilentServer(t, ctx)
	defer silent2.Close()

	const timeout = 300 * time.Millisecond
	start := time.Now()
	_, err := newTestRacer().SelectBest(ctx, []Server{serverFor(t, silent1), serverFor(t, silent2)}, timeout)
	if !errors.Is(err, ErrNoUpstreamAvailable) {
		t.Fatalf("expected ErrNoUpstreamAvailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < timeout {
		t.Fatalf("failed after %s, before the %s deadline", elapsed, timeout)
	}
}

func TestSelectBestAllFailWaitsForDeadline(t *testing.T) {
	t.Parallel()

	const timeout = 200 * time.Millisecond
	start := time.Now()
	_, err := newTestRacer().SelectBest(context.Background(), []Server{closedServer(t), closedServer(t)}, timeout)
	if !errors.Is(err, ErrNoUpstreamAvailable) {
		t.Fatalf("expected ErrNoUpstreamAvailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < timeout {
		t.Fatalf("failed after %s, before the %s deadline", elapsed, timeout)
	}
}

func TestSelectBestEmptyPool(t *testing.T) {
	t.Parallel()

	_, err := newTestRacer().SelectBest(context.Background(), nil, time.Second)
	if !errors.Is(err, ErrNoUpstreamAvailable) {
		t.Fatalf("expected ErrNoUpstreamAvailable, got %v", err)
	}
}

func TestSelectBestCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	silent := testutil.StartSilentServer(t, ctx)
	defer silent.Close()

	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := newTestRacer().SelectBest(ctx, []Server{serverFor(t, silent)}, 5*time.Second)
	if !errors.Is(err, ErrNoUpstreamAvailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrNoUpstreamAvailable wrapping context.Canceled, got %v", err)
	}
}
