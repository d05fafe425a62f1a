package pool

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/otlpxy/portforward/internal/config"
)

func startEchoListener(t *testing.T) (*config.TargetBackend, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil {
						c.Close()
						return
					}
					c.Write(buf[:n])
				}
			}(conn)
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	backend := &config.TargetBackend{IP: host, Port: port}
	return backend, func() { ln.Close() }
}

func TestPool_GetDialsWhenEmpty(t *testing.T) {
	backend, cleanup := startEchoListener(t)
	defer cleanup()

	p := New()
	conn, err := p.Get(context.Background(), backend)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer conn.Close()
}

func TestPool_ReturnThenGetReusesConnection(t *testing.T) {
	backend, cleanup := startEchoListener(t)
	defer cleanup()

	p := New()
	conn, err := p.Get(context.Background(), backend)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	local := conn.LocalAddr().String()
	p.Return(backend, conn)

	reused, err := p.Get(context.Background(), backend)
	if err != nil {
		t.Fatalf("get after return: %v", err)
	}
	defer reused.Close()

	if reused.LocalAddr().String() != local {
		t.Fatalf("expected the pooled connection to be reused, dialed a new one instead")
	}
}

func TestPool_ReturnClosesDeadConnections(t *testing.T) {
	backend, cleanup := startEchoListener(t)
	defer cleanup()

	p := New()
	conn, err := p.Get(context.Background(), backend)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = conn.Close()

	p.Return(backend, conn)

	if n := len(p.stack[backend.Key()]); n != 0 {
		t.Fatalf("expected a closed connection not to be pooled, found %d entries", n)
	}
}

func TestPool_ReturnEnforcesCapacity(t *testing.T) {
	backend, cleanup := startEchoListener(t)
	defer cleanup()

	p := New()
	conns := make([]net.Conn, 0, MaxPooledConnections+5)
	for i := 0; i < MaxPooledConnections+5; i++ {
		conn, err := p.Get(context.Background(), backend)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		p.Return(backend, conn)
	}

	if n := len(p.stack[backend.Key()]); n > MaxPooledConnections {
		t.Fatalf("expected at most %d pooled connections, got %d", MaxPooledConnections, n)
	}
}

func TestPool_DrainClosesEverything(t *testing.T) {
	backend, cleanup := startEchoListener(t)
	defer cleanup()

	p := New()
	conn, err := p.Get(context.Background(), backend)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	p.Return(backend, conn)

	p.Drain()

	if n := len(p.stack); n != 0 {
		t.Fatalf("expected Drain to empty the pool, got %d backends still tracked", n)
	}
}

func TestPool_GetFailsForUnreachableBackend(t *testing.T) {
	p := New()
	backend := &config.TargetBackend{IP: "127.0.0.1", Port: 1}
	if _, err := p.Get(context.Background(), backend); err == nil {
		t.Fatal("expected dial failure for an unreachable backend")
	}
}
