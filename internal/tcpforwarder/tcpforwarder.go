// Package tcpforwarder implements the TcpForwarder from spec §4.6: a TCP
// (optionally TLS-terminated) accept loop whose per-connection handler picks
// a backend, optionally pools and TLS-wraps the backend connection, and
// bridges the two streams bidirectionally until either side closes.
//
// The accept-loop/admission-lease/spawn-handler shape and the "sleep 100ms
// on a fatal non-cancellation accept error" idiom are grounded on the
// teacher's internal/worker.Pool worker loop and internal/app.Run's
// goroutine-per-listener pattern; the bidirectional copy itself has no
// analog in the teacher (an OTLP proxy never bridges two raw sockets), so it
// is built directly from spec §4.6/§5 using io.CopyBuffer with a 32 KiB
// buffer allocated per direction for each connection (buffers are not
// pooled or reused).
package tcpforwarder

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/otlpxy/portforward/internal/balancer"
	"github.com/otlpxy/portforward/internal/config"
	"github.com/otlpxy/portforward/internal/ferrors"
	"github.com/otlpxy/portforward/internal/limiter"
	"github.com/otlpxy/portforward/internal/logging"
	"github.com/otlpxy/portforward/internal/metrics"
	"github.com/otlpxy/portforward/internal/pool"
)

const copyBufferSize = 32 * 1024

// Forwarder accepts TCP/TLS-TCP connections for a single endpoint.
type Forwarder struct {
	log      logging.Logger
	endpoint *config.EndpointConfig
	lb       *balancer.Balancer
	limiter  *limiter.AdmissionLimiter
	pool     *pool.Pool
	store    *metrics.Store

	serverCert *tls.Certificate

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// New constructs a Forwarder for endpoint. serverCert is non-nil only for
// tlsTcp endpoints (the parsed certificate material, spec §1's "certificate
// acquisition" collaborator output).
func New(log logging.Logger, endpoint *config.EndpointConfig, lb *balancer.Balancer, lim *limiter.AdmissionLimiter, connPool *pool.Pool, store *metrics.Store, serverCert *tls.Certificate) *Forwarder {
	return &Forwarder{
		log:        log,
		endpoint:   endpoint,
		lb:         lb,
		limiter:    lim,
		pool:       connPool,
		store:      store,
		serverCert: serverCert,
	}
}

// Start binds the listener and spawns the accept loop. Returns once the
// listener is bound (spec §4.1 wants Start to return only after every
// listener is bound), letting the accept loop itself run in the background
// until ctx is cancelled.
func (f *Forwarder) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", f.endpoint.Addr())
	if err != nil {
		return ferrors.Wrap(ferrors.KindBind, "bind "+f.endpoint.Addr(), err)
	}
	f.mu.Lock()
	f.listener = ln
	f.mu.Unlock()

	go f.acceptLoop(ctx)
	return nil
}

// Stop closes the listener, causing the accept loop to exit on its next
// iteration.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	if f.listener != nil {
		_ = f.listener.Close()
	}
}

func (f *Forwarder) acceptLoop(ctx context.Context) {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			f.log.Log(logging.Warn, nil, "tcp accept error on %s: %v", f.endpoint.Addr(), err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		lease, err := f.limiter.Acquire(ctx)
		if err != nil {
			metrics.AdmissionRejectedCounter.WithLabelValues(f.endpoint.Addr()).Inc()
			f.log.Log(logging.Warn, logging.Fields{"remote": conn.RemoteAddr().String()}, "admission rejected: %v", err)
			_ = conn.Close()
			continue
		}

		go f.handle(ctx, conn, lease)
	}
}

func (f *Forwarder) handle(ctx context.Context, clientConn net.Conn, lease *limiter.Lease) {
	connID := uuid.NewString()
	start := time.Now()
	log := f.log.With(logging.Fields{"conn": connID, "endpoint": f.endpoint.Addr()})

	defer lease.Release()
	defer clientConn.Close()

	sctx := balancer.SelectionContext{RemoteAddr: clientConn.RemoteAddr().String()}
	backend, err := f.pickBackend(sctx)
	if err != nil {
		log.Log(logging.Warn, nil, "no backend available: %v", err)
		return
	}

	backend.State.OnAdmit()
	defer backend.State.OnRelease()

	var serveConn net.Conn = clientConn
	if f.endpoint.Protocol == config.ProtocolTLSTCP {
		tlsConn, err := f.serverHandshake(ctx, clientConn)
		if err != nil {
			log.Log(logging.Warn, nil, "tls handshake failed: %v", err)
			return
		}
		serveConn = tlsConn
	}

	rawBackendConn, err := f.pool.Get(ctx, backend)
	if err != nil {
		log.Log(logging.Warn, logging.Fields{"backend": backend.Key()}, "backend connect failed: %v", err)
		return
	}

	// A *tls.Conn is never handed back to the pool: isAlive's read-readiness
	// probe only works on a syscall.Conn, which *tls.Conn does not
	// implement, so a pooled TLS conn could never be told apart from a dead
	// one. Pooling would also require re-handshaking the same already
	// negotiated TLS session on reuse, which is not a thing. So the backend
	// connection is pooled only in its raw (plain) form, and a TLS backend
	// is re-dialed and re-handshaked on every connection instead.
	isTLSBackend := backend.BackendProtocol == config.BackendTLS
	backendConn := rawBackendConn
	if isTLSBackend {
		tlsBackend := tls.Client(rawBackendConn, &tls.Config{ServerName: backend.IP, MinVersion: tls.VersionTLS12})
		if err := tlsBackend.HandshakeContext(ctx); err != nil {
			log.Log(logging.Warn, logging.Fields{"backend": backend.Key()}, "backend tls handshake failed: %v", err)
			_ = rawBackendConn.Close()
			return
		}
		backendConn = tlsBackend
	}

	alive := f.bridge(ctx, serveConn, backendConn)
	if alive && !isTLSBackend {
		f.pool.Return(backend, rawBackendConn)
	} else {
		_ = backendConn.Close()
	}

	log.Log(logging.Info, logging.Fields{"backend": backend.Key(), "duration": time.Since(start).String()}, "connection closed")
}

func (f *Forwarder) pickBackend(sctx balancer.SelectionContext) (*config.TargetBackend, error) {
	return f.lb.Pick(f.endpoint, sctx)
}

func (f *Forwarder) serverHandshake(ctx context.Context, conn net.Conn) (*tls.Conn, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
	}
	if f.serverCert != nil {
		cfg.Certificates = []tls.Certificate{*f.serverCert}
	}
	if f.endpoint.ClientCertificateRequired {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	tlsConn := tls.Server(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, ferrors.Wrap(ferrors.KindTLSHandshake, "server handshake", err)
	}
	return tlsConn, nil
}

// bridge copies bytes in both directions until either side returns, then
// cancels the other. It reports whether the backend connection is still
// usable for pooling (true only when the backend side closed cleanly and
// the client side wasn't the one that failed).
func (f *Forwarder) bridge(ctx context.Context, client, backend net.Conn) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	backendHealthy := atomic.NewBool(true)

	go func() {
		defer wg.Done()
		buf := make([]byte, copyBufferSize)
		_, err := io.CopyBuffer(backend, client, buf)
		if err != nil {
			backendHealthy.Store(false)
		}
		cancel()
	}()

	go func() {
		defer wg.Done()
		buf := make([]byte, copyBufferSize)
		_, err := io.CopyBuffer(client, backend, buf)
		if err != nil && !errors.Is(err, io.EOF) {
			backendHealthy.Store(false)
		}
		cancel()
	}()

	go func() {
		<-ctx.Done()
		_ = client.SetDeadline(time.Now())
		_ = backend.SetDeadline(time.Now())
	}()

	wg.Wait()
	return backendHealthy.Load()
}
