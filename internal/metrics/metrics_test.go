package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type staticSource struct {
	conns, names, poolBytes int
}

func (s staticSource) ConnectionCount() int { return s.conns }
func (s staticSource) NamesOwnedCount() int { return s.names }
func (s staticSource) PoolBytesInUse() int  { return s.poolBytes }

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range fam.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
		return total, true
	}
	return 0, false
}

func TestObserversIncrementCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBusMetrics(reg, "kdbusd")

	m.ObserveRouted("unicast")
	m.ObserveRouted("unicast")
	m.ObserveRouted("broadcast")
	m.ObserveDenial("own")
	m.ObserveFanout(3)

	if v, ok := gatherValue(t, reg, "kdbusd_messages_routed_total"); !ok || v != 3 {
		t.Fatalf("messages_routed_total = %v (found %v), want 3", v, ok)
	}
	if v, ok := gatherValue(t, reg, "kdbusd_policy_denials_total"); !ok || v != 1 {
		t.Fatalf("policy_denials_total = %v (found %v), want 1", v, ok)
	}
}

func TestRunRefreshesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBusMetrics(reg, "kdbusd")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, staticSource{conns: 4, names: 2, poolBytes: 1024}, 5*time.Millisecond, nil)
	}()

	deadline := time.After(time.Second)
	for {
		if v, ok := gatherValue(t, reg, "kdbusd_connections_open"); ok && v == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("gauge never refreshed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if v, _ := gatherValue(t, reg, "kdbusd_names_owned"); v != 2 {
		t.Fatalf("names_owned = %v, want 2", v)
	}
	if v, _ := gatherValue(t, reg, "kdbusd_pool_bytes_in_use"); v != 1024 {
		t.Fatalf("pool_bytes_in_use = %v, want 1024", v)
	}
}
