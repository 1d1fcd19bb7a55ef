package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}

	before := Take()
	BlockedRequests.Add(1)
	ActiveUpstreams.Add(2)
	defer ActiveUpstreams.Add(-2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				got[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				got[mf.GetName()] = m.GetCounter().GetValue()
			}
		}
	}

	if v := got["relay_blocked_requests_total"]; v != float64(before.BlockedRequests+1) {
		t.Fatalf("blocked_requests_total = %v, want %v", v, before.BlockedRequests+1)
	}
	if v := got["relay_active_upstream_connections"]; v != float64(before.ActiveUpstreams+2) {
		t.Fatalf("active_upstream_connections = %v, want %v", v, before.ActiveUpstreams+2)
	}
	if len(got) != 6 {
		t.Fatalf("expected 6 metric families, got %d", len(got))
	}

	if err := Register(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
