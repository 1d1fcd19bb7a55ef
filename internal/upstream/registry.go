package upstream

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/relay/internal/metrics"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Pinned, when non-nil, is used without racing.
	Pinned *Server
	// Pool is raced when nothing is pinned.
	Pool []Server
	// RaceTimeout bounds a single race.
	RaceTimeout time.Duration
	// PenaltyTTL excludes an invalidated server from races for this long.
	PenaltyTTL time.Duration
}

// Registry hands out the pinned upstream server, racing the pool to pick one
// when nothing is pinned yet.
//
// Concurrent callers arriving while nothing is pinned share a single race.
type Registry struct {
	pool        []Server
	raceTimeout time.Duration
	penaltyTTL  time.Duration
	selector    Selector

	mu     sync.Mutex
	pinned *Server

	sf        singleflight.Group
	penalized *cache.Cache
}

// NewRegistry constructs a Registry. It fails if cfg names neither a pinned
// server nor a pool.
func NewRegistry(cfg RegistryConfig, selector Selector) (*Registry, error) {
	if cfg.Pinned == nil && len(cfg.Pool) == 0 {
		return nil, errors.New("no upstream server is configured")
	}
	if cfg.PenaltyTTL <= 0 {
		cfg.PenaltyTTL = time.Minute
	}

	r := &Registry{
		pool:        cfg.Pool,
		raceTimeout: cfg.RaceTimeout,
		penaltyTTL:  cfg.PenaltyTTL,
		selector:    selector,
		penalized:   cache.New(cfg.PenaltyTTL, 2*cfg.PenaltyTTL),
	}
	if cfg.Pinned != nil {
		s := *cfg.Pinned
		r.pinned = &s
	}
	return r, nil
}

// Current returns the pinned server, if any, without racing.
func (r *Registry) Current() (Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pinned == nil {
		return Server{}, false
	}
	return *r.pinned, true
}

// Pinned returns the pinned server, racing the pool first if needed.
//
// The race runs on a background context so it completes for other waiters
// even if ctx is canceled; ctx only bounds how long this caller waits.
func (r *Registry) Pinned(ctx context.Context) (Server, error) {
	if s, ok := r.Current(); ok {
		return s, nil
	}

	ch := r.sf.DoChan("race", func() (any, error) {
		// Double-check under singleflight in case a previous race just finished.
		if s, ok := r.Current(); ok {
			return s, nil
		}

		metrics.Races.Add(1)
		s, err := r.selector.SelectBest(context.Background(), r.candidates(), r.raceTimeout)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.pinned == nil {
			r.pinned = &s
		}
		s = *r.pinned
		r.mu.Unlock()
		return s, nil
	})

	select {
	case <-ctx.Done():
		return Server{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Server{}, res.Err
		}
		return res.Val.(Server), nil
	}
}

// Invalidate unpins s after a connection failure so the next Pinned call
// races again. It reports whether s was unpinned. A server is only unpinned
// when it is still the pinned one and a pool exists to replace it.
func (r *Registry) Invalidate(s Server) bool {
	if len(r.pool) == 0 {
		return false
	}

	r.mu.Lock()
	if r.pinned == nil || *r.pinned != s {
		r.mu.Unlock()
		return false
	}
	r.pinned = nil
	r.mu.Unlock()

	r.penalized.Set(s.Addr(), struct{}{}, cache.DefaultExpiration)
	metrics.Invalidations.Add(1)
	log.Printf("upstream %s invalidated; excluded from races for %s", s, r.penaltyTTL)
	return true
}

// candidates returns the pool minus penalized servers, or the whole pool if
// every server is penalized.
func (r *Registry) candidates() []Server {
	out := make([]Server, 0, len(r.pool))
	for _, s := range r.pool {
		if _, bad := r.penalized.Get(s.Addr()); !bad {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return r.pool
	}
	return out
}
