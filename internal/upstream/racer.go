package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/relay/internal/dialer"
)

var (
	// ErrNoUpstreamAvailable means no candidate completed a TLS handshake
	// before the race deadline.
	ErrNoUpstreamAvailable = errors.New("no upstream server available")

	// ErrUpstreamHandshake wraps a single candidate's dial or handshake
	// failure.
	ErrUpstreamHandshake = errors.New("upstream handshake failed")
)

// Selector picks one server out of a pool.
type Selector interface {
	SelectBest(ctx context.Context, pool []Server, timeout time.Duration) (Server, error)
}

// Racer selects the upstream server that completes a TLS handshake first.
type Racer struct {
	Dialer    dialer.ContextDialer
	TLSConfig *tls.Config
	Verbose   bool
}

// NewRacer returns a Racer probing through d with TLS settings from
// tlsConfig.
func NewRacer(d dialer.ContextDialer, tlsConfig *tls.Config, verbose bool) *Racer {
	return &Racer{Dialer: d, TLSConfig: tlsConfig, Verbose: verbose}
}

// raceResult is one candidate's outcome.
type raceResult struct {
	server  Server
	elapsed time.Duration
	err     error
}

// SelectBest dials every server in pool concurrently and performs a TLS
// handshake without sending application data. The first handshake to
// complete wins; the remaining attempts are canceled and their outcomes are
// only logged. If none succeeds, SelectBest returns ErrNoUpstreamAvailable
// once timeout has elapsed.
func (r *Racer) SelectBest(ctx context.Context, pool []Server, timeout time.Duration) (Server, error) {
	if len(pool) == 0 {
		return Server{}, fmt.Errorf("%w: empty pool", ErrNoUpstreamAvailable)
	}

	log.Printf("racing upstream servers %s with timeout of %.02f seconds", FormatServers(pool), timeout.Seconds())

	raceCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	results := make(chan raceResult, len(pool))

	var g errgroup.Group
	for _, s := range pool {
		g.Go(func() error {
			results <- r.attempt(raceCtx, s, start)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	for {
		select {
		case res, ok := <-results:
			if !ok {
				// Every candidate failed early; keep to the deadline.
				<-raceCtx.Done()
				return Server{}, r.noneAvailable(ctx, timeout)
			}
			if res.err != nil {
				if r.Verbose {
					log.Printf("upstream race: %v", res.err)
				}
				continue
			}

			cancel()
			go logLosers(results)

			log.Printf("upstream %s finished in %.02f seconds", res.server, res.elapsed.Seconds())
			log.Printf("selected %s as upstream server", res.server)
			return res.server, nil

		case <-raceCtx.Done():
			return Server{}, r.noneAvailable(ctx, timeout)
		}
	}
}

func (r *Racer) noneAvailable(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrNoUpstreamAvailable, err)
	}
	return fmt.Errorf("%w: none responded within %s", ErrNoUpstreamAvailable, timeout)
}

// logLosers drains the remaining results after a winner was chosen. Attempts
// that also succeeded are reported but never re-raced.
func logLosers(results <-chan raceResult) {
	for res := range results {
		if res.err == nil {
			log.Printf("upstream %s finished in %.02f seconds (not selected)", res.server, res.elapsed.Seconds())
		}
	}
}

// attempt connects to s and completes a TLS handshake, then closes the
// connection. ctx bounds both steps; canceling it closes the attempt.
func (r *Racer) attempt(ctx context.Context, s Server, start time.Time) raceResult {
	c, err := r.Dialer.DialContext(ctx, "tcp", s.Addr())
	if err != nil {
		return raceResult{server: s, err: fmt.Errorf("%w: %s: %w", ErrUpstreamHandshake, s, err)}
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}

	tc := tls.Client(c, s.TLSConfig(r.TLSConfig))
	defer tc.Close()

	if err := tc.HandshakeContext(ctx); err != nil {
		return raceResult{server: s, err: fmt.Errorf("%w: %s: %w", ErrUpstreamHandshake, s, err)}
	}

	return raceResult{server: s, elapsed: time.Since(start)}
}
