package healthcheck

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/otlpxy/portforward/internal/config"
	"github.com/otlpxy/portforward/internal/logging"
	"github.com/otlpxy/portforward/internal/metrics"
)

func newBackend(t *testing.T, addr string) *config.TargetBackend {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	b := &config.TargetBackend{IP: host, Port: port}
	b.State = metrics.NewBackendState(b.Key())
	return b
}

func TestChecker_CheckAllMarksReachableBackendHealthy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	backend := newBackend(t, ln.Addr().String())
	backend.State.SetHealthy(false)

	c := New(logging.New(logging.Critical+1), time.Second, time.Millisecond)
	c.RegisterEndpoint("ep")
	c.CheckAll("ep", []*config.TargetBackend{backend})

	if !backend.State.Healthy() {
		t.Fatal("expected a reachable backend to be marked healthy")
	}
}

func TestChecker_CheckAllMarksUnreachableBackendUnhealthy(t *testing.T) {
	backend := &config.TargetBackend{IP: "127.0.0.1", Port: 1}
	backend.State = metrics.NewBackendState(backend.Key())

	c := New(logging.New(logging.Critical+1), 200*time.Millisecond, time.Millisecond)
	c.RegisterEndpoint("ep")
	c.CheckAll("ep", []*config.TargetBackend{backend})

	if backend.State.Healthy() {
		t.Fatal("expected an unreachable backend to be marked unhealthy")
	}
}

func TestChecker_CooldownCollapsesRepeatedSweeps(t *testing.T) {
	calls := 0
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			calls++
			conn.Close()
		}
	}()

	backend := newBackend(t, ln.Addr().String())
	c := New(logging.New(logging.Critical+1), time.Second, time.Hour)
	c.RegisterEndpoint("ep")

	for i := 0; i < 5; i++ {
		c.CheckAll("ep", []*config.TargetBackend{backend})
	}
	time.Sleep(50 * time.Millisecond)

	if calls > 1 {
		t.Fatalf("expected the cooldown to collapse repeated sweeps into 1 dial, got %d", calls)
	}
}
