// Package metrics holds the relay's process-wide counters and gauges.
//
// Hot paths update plain atomics; Register exposes them to Prometheus.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Global metrics - use atomic operations for thread-safe access from hot paths.
var (
	ActiveUpstreams atomic.Int64

	Sessions        atomic.Int64
	Tunnels         atomic.Int64
	BlockedRequests atomic.Int64
	Races           atomic.Int64
	Invalidations   atomic.Int64
)

// Snapshot holds a point-in-time copy of all metrics.
type Snapshot struct {
	ActiveUpstreams int64

	Sessions        int64
	Tunnels         int64
	BlockedRequests int64
	Races           int64
	Invalidations   int64
}

// Take returns a snapshot of all current metrics.
func Take() Snapshot {
	return Snapshot{
		ActiveUpstreams: ActiveUpstreams.Load(),
		Sessions:        Sessions.Load(),
		Tunnels:         Tunnels.Load(),
		BlockedRequests: BlockedRequests.Load(),
		Races:           Races.Load(),
		Invalidations:   Invalidations.Load(),
	}
}

const namespace = "relay"

// Register adds collectors reading the atomics above to reg.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_upstream_connections",
			Help:      "Open connections to upstream relay servers.",
		}, load(&ActiveUpstreams)),
		counter("client_sessions_total", "Client connections accepted.", &Sessions),
		counter("tunnels_total", "Tunnels established through an upstream server.", &Tunnels),
		counter("blocked_requests_total", "Requests refused by the blacklist.", &BlockedRequests),
		counter("upstream_races_total", "Upstream selection races run.", &Races),
		counter("upstream_invalidations_total", "Pinned upstream servers dropped after a failure.", &Invalidations),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func counter(name, help string, v *atomic.Int64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, load(v))
}

func load(v *atomic.Int64) func() float64 {
	return func() float64 {
		return float64(v.Load())
	}
}
