// Package pool implements the ConnectionPool from spec §4.5: a per-backend
// LIFO stack of idle TCP connections, liveness-checked before handoff and
// capped at MaxPooledConnections.
//
// The LIFO-stack-under-a-mutex shape and the dial timeout are grounded on
// the other_examples reference file hemzaz-freightliner connection_pool.go
// (fixed ConnectTimeout, per-host slice of idle conns, isAlive probe before
// reuse); the teacher itself has no backend-side connection pool (the OTLP
// collector target is a single fixed HTTP URL reused via http.Transport's
// own pooling), so this package is new, built the way freightliner does it.
package pool

import (
	"context"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/otlpxy/portforward/internal/config"
	"github.com/otlpxy/portforward/internal/ferrors"
)

// MaxPooledConnections is the hard per-backend cap from spec §4.5.
const MaxPooledConnections = 50

// ConnectTimeout bounds a fresh dial to a backend (spec §4.5/§5).
const ConnectTimeout = 10 * time.Second

type idleConn struct {
	conn net.Conn
}

// Pool is the ConnectionPool collaborator: one LIFO stack of idle
// connections per backend key ("ip:port").
type Pool struct {
	mu    sync.Mutex
	stack map[string][]idleConn
}

// New constructs an empty Pool.
func New() *Pool {
	return &Pool{stack: make(map[string][]idleConn)}
}

// Get pops the most-recently-returned live connection for backend, if any;
// otherwise dials a fresh one with ConnectTimeout. The caller owns the
// returned connection exclusively until it calls Return or closes it.
func (p *Pool) Get(ctx context.Context, b *config.TargetBackend) (net.Conn, error) {
	key := b.Key()

	p.mu.Lock()
	idle := p.stack[key]
	for len(idle) > 0 {
		entry := idle[len(idle)-1]
		idle = idle[:len(idle)-1]
		p.stack[key] = idle
		if isAlive(entry.conn) {
			p.mu.Unlock()
			return entry.conn, nil
		}
		_ = entry.conn.Close()
	}
	p.mu.Unlock()

	dialer := net.Dialer{Timeout: ConnectTimeout}
	addr := net.JoinHostPort(b.IP, strconv.Itoa(b.Port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindUpstreamUnreachable, "dial backend "+addr, err)
	}
	return conn, nil
}

// Return pushes conn back onto backend's idle stack if there is capacity and
// the connection is still alive; otherwise it closes conn.
func (p *Pool) Return(b *config.TargetBackend, conn net.Conn) {
	key := b.Key()

	if !isAlive(conn) {
		_ = conn.Close()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.stack[key]) >= MaxPooledConnections {
		_ = conn.Close()
		return
	}
	p.stack[key] = append(p.stack[key], idleConn{conn: conn})
}

// Drain closes every idle connection held by the pool, used during
// Orchestrator.Stop once draining completes.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, idle := range p.stack {
		for _, entry := range idle {
			_ = entry.conn.Close()
		}
		delete(p.stack, key)
	}
}

// isAlive performs the non-blocking read-readiness probe from spec §4.5: if
// the socket is readable with zero bytes available, the peer has closed.
func isAlive(conn net.Conn) bool {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return true
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return true
	}

	alive := true
	probeErr := raw.Read(func(fd uintptr) bool {
		buf := make([]byte, 1)
		n, _, err := syscall.Recvfrom(int(fd), buf, syscall.MSG_PEEK|syscall.MSG_DONTWAIT)
		switch {
		case n == 0 && err == nil:
			alive = false
		case err != nil && err != syscall.EAGAIN && err != syscall.EWOULDBLOCK:
			alive = false
		}
		return true
	})
	if probeErr != nil {
		return false
	}
	return alive
}
