package upstream

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSelector struct {
	delay time.Duration
	err   error

	calls atomic.Int32
	mu    sync.Mutex
	pools [][]Server
}

func (f *fakeSelector) SelectBest(_ context.Context, pool []Server, _ time.Duration) (Server, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.pools = append(f.pools, append([]Server(nil), pool...))
	f.mu.Unlock()

	time.Sleep(f.delay)
	if f.err != nil {
		return Server{}, f.err
	}
	return pool[0], nil
}

func (f *fakeSelector) lastPool() []Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pools[len(f.pools)-1]
}

var (
	serverA = Server{Host: "a.example.com", Port: 443}
	serverB = Server{Host: "b.example.com", Port: 443}
)

func TestNewRegistryRequiresServers(t *testing.T) {
	t.Parallel()

	if _, err := NewRegistry(RegistryConfig{}, &fakeSelector{}); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestRegistryConfiguredPin(t *testing.T) {
	t.Parallel()

	sel := &fakeSelector{}
	r, err := NewRegistry(RegistryConfig{Pinned: &serverB, Pool: []Server{serverA}}, sel)
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.Pinned(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != serverB {
		t.Fatalf("got %s want %s", got, serverB)
	}
	if sel.calls.Load() != 0 {
		t.Fatal("configured pin must not race")
	}
}

func TestRegistrySharesOneRace(t *testing.T) {
	t.Parallel()

	sel := &fakeSelector{delay: 50 * time.Millisecond}
	r, err := NewRegistry(RegistryConfig{Pool: []Server{serverA, serverB}, RaceTimeout: time.Second}, sel)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Current(); ok {
		t.Fatal("nothing should be pinned before the first race")
	}

	var wg sync.WaitGroup
	results := make([]Server, 10)
	errs := make([]error, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = r.Pinned(context.Background())
		}()
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		if results[i] != serverA {
			t.Fatalf("caller %d got %s", i, results[i])
		}
	}
	if n := sel.calls.Load(); n != 1 {
		t.Fatalf("expected one race, got %d", n)
	}

	// Later callers reuse the pin.
	if _, err := r.Pinned(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := sel.calls.Load(); n != 1 {
		t.Fatalf("expected pin reuse, got %d races", n)
	}
}

func TestRegistryInvalidateReraces(t *testing.T) {
	t.Parallel()

	sel := &fakeSelector{}
	r, err := NewRegistry(RegistryConfig{Pool: []Server{serverA, serverB}, PenaltyTTL: time.Minute}, sel)
	if err != nil {
		t.Fatal(err)
	}

	first, err := r.Pinned(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first != serverA {
		t.Fatalf("got %s", first)
	}

	if r.Invalidate(serverB) {
		t.Fatal("invalidating a server that is not pinned must be a no-op")
	}
	if !r.Invalidate(serverA) {
		t.Fatal("expected pinned server to be invalidated")
	}
	if r.Invalidate(serverA) {
		t.Fatal("second invalidation must be a no-op")
	}

	second, err := r.Pinned(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second != serverB {
		t.Fatalf("expected re-race to exclude penalized server, got %s", second)
	}
	if got := sel.lastPool(); !reflect.DeepEqual(got, []Server{serverB}) {
		t.Fatalf("re-race pool = %v", got)
	}

	// With every server penalized, the whole pool is raced again.
	if !r.Invalidate(serverB) {
		t.Fatal("expected serverB to be invalidated")
	}
	if _, err := r.Pinned(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := sel.lastPool(); !reflect.DeepEqual(got, []Server{serverA, serverB}) {
		t.Fatalf("fallback pool = %v", got)
	}
}

func TestRegistryInvalidateWithoutPool(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(RegistryConfig{Pinned: &serverA}, &fakeSelector{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Invalidate(serverA) {
		t.Fatal("a configured server without a pool has no replacement")
	}
	if s, ok := r.Current(); !ok || s != serverA {
		t.Fatalf("pin lost: %v %v", s, ok)
	}
}

func TestRegistryRaceFailure(t *testing.T) {
	t.Parallel()

	sel := &fakeSelector{err: ErrNoUpstreamAvailable}
	r, err := NewRegistry(RegistryConfig{Pool: []Server{serverA}}, sel)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Pinned(context.Background()); !errors.Is(err, ErrNoUpstreamAvailable) {
		t.Fatalf("expected ErrNoUpstreamAvailable, got %v", err)
	}
	if _, ok := r.Current(); ok {
		t.Fatal("failed race must not pin")
	}
}

func TestRegistryCallerCanceled(t *testing.T) {
	t.Parallel()

	sel := &fakeSelector{delay: 200 * time.Millisecond}
	r, err := NewRegistry(RegistryConfig{Pool: []Server{serverA}}, sel)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Pinned(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The race itself keeps going and pins for later callers.
	got, err := r.Pinned(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != serverA {
		t.Fatalf("got %s", got)
	}
}
