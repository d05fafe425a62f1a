package httpforwarder

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/otlpxy/portforward/internal/balancer"
	"github.com/otlpxy/portforward/internal/config"
	"github.com/otlpxy/portforward/internal/healthcheck"
	"github.com/otlpxy/portforward/internal/limiter"
	"github.com/otlpxy/portforward/internal/logging"
	"github.com/otlpxy/portforward/internal/metrics"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

func backendFromServer(t *testing.T, srv *httptest.Server) *config.TargetBackend {
	t.Helper()
	u, err := net.ResolveTCPAddr("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b := &config.TargetBackend{IP: u.IP.String(), Port: u.Port, Timeout: 2 * time.Second}
	b.State = metrics.NewBackendState(b.Key())
	return b
}

func newTestForwarder(t *testing.T, backend *config.TargetBackend) (*Forwarder, *config.EndpointConfig) {
	t.Helper()
	log := logging.New(logging.Critical + 1)
	checker := healthcheck.New(log, time.Second, time.Millisecond)
	lb := balancer.New(nil, checker)
	lim := limiter.New(10, 10)
	store := metrics.NewStore()
	store.Register(backend.Key(), backend.State)

	ep := &config.EndpointConfig{
		ListenIP:   "127.0.0.1",
		ListenPort: freePort(t),
		Protocol:   config.ProtocolHTTP,
		Algorithm:  config.AlgoRoundRobin,
		Backends:   []*config.TargetBackend{backend},
	}
	checker.RegisterEndpoint(ep.Addr())

	f := New(log, ep, lb, lim, store, nil)
	return f, ep
}

func TestForwarder_ProxiesRequestAndResponse(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-For") == "" {
			t.Error("expected X-Forwarded-For to be set on the upstream request")
		}
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("brewed"))
	}))
	defer backendSrv.Close()

	backend := backendFromServer(t, backendSrv)
	f, ep := newTestForwarder(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + ep.Addr() + "/brew")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected status 418, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Fatal("expected the upstream response header to be relayed")
	}
}

func TestForwarder_NoHealthyBackendReturns503(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	backend := backendFromServer(t, backendSrv)
	backendSrv.Close() // closed before use: the health re-probe must find it unreachable
	backend.State.SetHealthy(false)
	f, ep := newTestForwarder(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + ep.Addr() + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no backend is healthy, got %d", resp.StatusCode)
	}
}

func TestIsHopByHop(t *testing.T) {
	tests := map[string]bool{
		"Connection":     true,
		"Keep-Alive":     true,
		"Content-Length": true,
		"Host":           true,
		"Content-Type":   false,
		"X-Request-ID":   false,
	}
	for header, want := range tests {
		if got := isHopByHop(header); got != want {
			t.Errorf("isHopByHop(%q) = %v, want %v", header, got, want)
		}
	}
}

func TestRewriteLocationAuthority_RewritesBackendHostOnly(t *testing.T) {
	backend := &config.TargetBackend{IP: "10.0.0.1", Port: 8080}

	got := rewriteLocationAuthority("http://10.0.0.1:8080/next", backend, "public.example.com")
	if got != "http://public.example.com/next" {
		t.Fatalf("expected authority to be rewritten, got %q", got)
	}

	unrelated := rewriteLocationAuthority("http://other.example.com/next", backend, "public.example.com")
	if unrelated != "http://other.example.com/next" {
		t.Fatalf("expected a non-backend Location to pass through unchanged, got %q", unrelated)
	}
}
