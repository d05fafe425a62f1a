package balancer

import (
	"net/http"
	"testing"

	"github.com/otlpxy/portforward/internal/config"
	"github.com/otlpxy/portforward/internal/healthcheck"
	"github.com/otlpxy/portforward/internal/logging"
	"github.com/otlpxy/portforward/internal/metrics"
)

func newBackend(ip string, port, weight int, zone string) *config.TargetBackend {
	b := &config.TargetBackend{IP: ip, Port: port, Weight: weight, Zone: zone}
	b.State = metrics.NewBackendState(b.Key())
	return b
}

func newEndpoint(algo config.Algorithm, backends ...*config.TargetBackend) *config.EndpointConfig {
	return &config.EndpointConfig{
		ListenIP:   "127.0.0.1",
		ListenPort: 8080,
		Protocol:   config.ProtocolTCP,
		Algorithm:  algo,
		Backends:   backends,
	}
}

func newBalancer() *Balancer {
	checker := healthcheck.New(logging.New(logging.Critical+1), 0, 0)
	return New(nil, checker)
}

func TestBalancer_RoundRobinCyclesThroughBackends(t *testing.T) {
	b1 := newBackend("10.0.0.1", 80, 1, "")
	b2 := newBackend("10.0.0.2", 80, 1, "")
	ep := newEndpoint(config.AlgoRoundRobin, b1, b2)
	b := newBalancer()

	picks := make([]string, 4)
	for i := range picks {
		pick, err := b.Pick(ep, SelectionContext{})
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		picks[i] = pick.Key()
	}

	if picks[0] == picks[1] || picks[2] == picks[3] || picks[0] != picks[2] {
		t.Fatalf("expected alternating round-robin picks, got %v", picks)
	}
}

func TestBalancer_LeastConnectionsPrefersIdleBackend(t *testing.T) {
	busy := newBackend("10.0.0.1", 80, 1, "")
	idle := newBackend("10.0.0.2", 80, 1, "")
	busy.State.OnAdmit()
	busy.State.OnAdmit()
	idle.State.OnAdmit()

	ep := newEndpoint(config.AlgoLeastConnections, busy, idle)
	b := newBalancer()

	pick, err := b.Pick(ep, SelectionContext{})
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if pick.Key() != idle.Key() {
		t.Fatalf("expected least-connections to pick %s, got %s", idle.Key(), pick.Key())
	}
}

func TestBalancer_WeightedRoundRobinRespectsRatio(t *testing.T) {
	heavy := newBackend("10.0.0.1", 80, 3, "")
	light := newBackend("10.0.0.2", 80, 1, "")
	ep := newEndpoint(config.AlgoWeightedRoundRobin, heavy, light)
	b := newBalancer()

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		pick, err := b.Pick(ep, SelectionContext{})
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		counts[pick.Key()]++
	}

	if counts[heavy.Key()] != 6 || counts[light.Key()] != 2 {
		t.Fatalf("expected a 3:1 split over 8 picks, got %v", counts)
	}
}

func TestBalancer_HashKeyPrefersXRequestID(t *testing.T) {
	sctx := SelectionContext{
		Header: http.Header{"X-Request-Id": []string{"abc"}, "X-Session-Id": []string{"xyz"}},
	}
	if got := hashKey(sctx); got != "abc" {
		t.Fatalf("expected X-Request-ID to win priority order, got %q", got)
	}
}

func TestBalancer_HashPickIsStableForSameKey(t *testing.T) {
	b1 := newBackend("10.0.0.1", 80, 1, "")
	b2 := newBackend("10.0.0.2", 80, 1, "")
	ep := newEndpoint(config.AlgoHash, b1, b2)
	bal := newBalancer()

	sctx := SelectionContext{RemoteAddr: "203.0.113.5:50000"}
	first, err := bal.Pick(ep, sctx)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := bal.Pick(ep, sctx)
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		if again.Key() != first.Key() {
			t.Fatalf("expected stable hash pick, got %s then %s", first.Key(), again.Key())
		}
	}
}

func TestBalancer_ZoneAffinityPrefersSameZone(t *testing.T) {
	near := newBackend("10.0.0.1", 80, 1, "eu-west")
	far := newBackend("10.0.0.2", 80, 1, "ap-east")
	ep := newEndpoint(config.AlgoZoneAffinity, near, far)
	b := newBalancer()

	sctx := SelectionContext{Header: http.Header{"X-Client-Zone": []string{"eu-west"}}}
	pick, err := b.Pick(ep, sctx)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if pick.Key() != near.Key() {
		t.Fatalf("expected zone affinity to prefer %s, got %s", near.Key(), pick.Key())
	}
}

func TestBalancer_NoHealthyBackendReturnsError(t *testing.T) {
	down := newBackend("10.0.0.1", 80, 1, "")
	down.State.SetHealthy(false)
	ep := newEndpoint(config.AlgoRoundRobin, down)
	b := newBalancer()

	if _, err := b.Pick(ep, SelectionContext{}); err == nil {
		t.Fatal("expected an error when no backend is healthy")
	}
}
