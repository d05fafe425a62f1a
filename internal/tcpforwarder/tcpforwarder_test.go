package tcpforwarder

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/otlpxy/portforward/internal/balancer"
	"github.com/otlpxy/portforward/internal/config"
	"github.com/otlpxy/portforward/internal/healthcheck"
	"github.com/otlpxy/portforward/internal/limiter"
	"github.com/otlpxy/portforward/internal/logging"
	"github.com/otlpxy/portforward/internal/metrics"
	"github.com/otlpxy/portforward/internal/pool"
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

func startEchoBackend(t *testing.T) *config.TargetBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if _, err := c.Write(buf[:n]); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	backend := &config.TargetBackend{IP: host, Port: port}
	backend.State = metrics.NewBackendState(backend.Key())
	return backend
}

func newTestForwarder(t *testing.T, backend *config.TargetBackend) (*Forwarder, *config.EndpointConfig) {
	t.Helper()
	log := logging.New(logging.Critical + 1)
	checker := healthcheck.New(log, time.Second, time.Millisecond)
	lb := balancer.New(nil, checker)
	lim := limiter.New(10, 10)
	connPool := pool.New()
	store := metrics.NewStore()

	ep := &config.EndpointConfig{
		ListenIP:   "127.0.0.1",
		ListenPort: freePort(t),
		Protocol:   config.ProtocolTCP,
		Algorithm:  config.AlgoRoundRobin,
		Backends:   []*config.TargetBackend{backend},
	}
	store.Register(backend.Key(), backend.State)
	checker.RegisterEndpoint(ep.Addr())

	f := New(log, ep, lb, lim, connPool, store, nil)
	return f, ep
}

func TestForwarder_BridgesClientToBackend(t *testing.T) {
	backend := startEchoBackend(t)
	f, ep := newTestForwarder(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	conn, err := net.Dial("tcp", ep.Addr())
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	defer conn.Close()

	payload := []byte("ping")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(payload))
	if _, err := readFull(conn, buf); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("expected echoed payload %q, got %q", "ping", buf)
	}
}

func TestForwarder_StopClosesListener(t *testing.T) {
	backend := startEchoBackend(t)
	f, ep := newTestForwarder(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.Stop()

	time.Sleep(50 * time.Millisecond)
	if _, err := net.DialTimeout("tcp", ep.Addr(), 200*time.Millisecond); err == nil {
		t.Fatal("expected dialing a stopped listener to fail")
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
