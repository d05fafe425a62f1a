// Package udpforwarder implements the UdpForwarder from spec §4.7: a
// receive loop that per-packet (or, in sticky mode, per-flow) selects a
// backend and forwards the datagram one-way via an ephemeral or pooled
// sender socket.
//
// The receive-loop/admission-lease/spawn-handler shape mirrors
// tcpforwarder and the teacher's worker.Pool idiom; the pool/hybrid
// dispatch modes delegate to internal/udpworker, the adapted descendant of
// the teacher's internal/worker.Pool (see SPEC_FULL.md §5).
package udpforwarder

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/otlpxy/portforward/internal/balancer"
	"github.com/otlpxy/portforward/internal/config"
	"github.com/otlpxy/portforward/internal/ferrors"
	"github.com/otlpxy/portforward/internal/limiter"
	"github.com/otlpxy/portforward/internal/logging"
	"github.com/otlpxy/portforward/internal/metrics"
	"github.com/otlpxy/portforward/internal/sticky"
	"github.com/otlpxy/portforward/internal/udpworker"
)

const maxDatagramSize = 65507

// Forwarder receives UDP datagrams for a single endpoint and forwards them
// one-way to a selected backend (spec §4.7: "this spec treats UDP as
// one-way forwarding").
type Forwarder struct {
	log      logging.Logger
	endpoint *config.EndpointConfig
	lb       *balancer.Balancer
	limiter  *limiter.AdmissionLimiter
	store    *metrics.Store
	sticky   *sticky.Map
	workers  *udpworker.Pool // non-nil only when DispatchMode is pool/hybrid

	conn *net.UDPConn
}

// New constructs a Forwarder. workers is nil when the endpoint's
// DispatchMode is semaphore (the default); otherwise it is the
// *udpworker.Pool used for pool/hybrid dispatch, which the caller starts
// before packets arrive.
func New(log logging.Logger, endpoint *config.EndpointConfig, lb *balancer.Balancer, lim *limiter.AdmissionLimiter, store *metrics.Store, stickyMap *sticky.Map, workers *udpworker.Pool) *Forwarder {
	return &Forwarder{
		log:      log,
		endpoint: endpoint,
		lb:       lb,
		limiter:  lim,
		store:    store,
		sticky:   stickyMap,
		workers:  workers,
	}
}

// Start binds the UDP socket and spawns the receive loop.
func (f *Forwarder) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", f.endpoint.Addr())
	if err != nil {
		return ferrors.Wrap(ferrors.KindConfig, "resolve "+f.endpoint.Addr(), err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return ferrors.Wrap(ferrors.KindBind, "bind "+f.endpoint.Addr(), err)
	}
	f.conn = conn

	go f.receiveLoop(ctx)
	return nil
}

// Stop closes the listening socket, ending the receive loop.
func (f *Forwarder) Stop() {
	if f.conn != nil {
		_ = f.conn.Close()
	}
}

func (f *Forwarder) receiveLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, clientAddr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			f.log.Log(logging.Warn, nil, "udp receive error on %s: %v", f.endpoint.Addr(), err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		lease, err := f.limiter.Acquire(ctx)
		if err != nil {
			metrics.AdmissionRejectedCounter.WithLabelValues(f.endpoint.Addr()).Inc()
			f.log.Log(logging.Warn, logging.Fields{"remote": clientAddr.String()}, "admission rejected, dropping packet")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		go f.handlePacket(lease, clientAddr, payload)
	}
}

func (f *Forwarder) handlePacket(lease *limiter.Lease, clientAddr *net.UDPAddr, payload []byte) {
	defer lease.Release()

	sctx := balancer.SelectionContext{RemoteAddr: clientAddr.String()}
	backend, err := f.pickBackend(clientAddr.String(), sctx)
	if err != nil {
		f.log.Log(logging.Warn, nil, "no backend available for %s: %v", clientAddr, err)
		return
	}

	backend.State.OnAdmit()
	defer backend.State.OnRelease()

	if f.workers != nil {
		if !f.workers.Submit(udpworker.Datagram{Payload: payload, Backend: backend}) {
			f.log.Log(logging.Warn, logging.Fields{"backend": backend.Key()}, "udp worker pool saturated, dropping packet")
		}
		return
	}

	f.sendDirect(backend, payload)
}

// sendDirect forwards payload through a short-lived, ephemerally bound
// sending socket per spec §4.7, rather than reusing the listening socket
// (which is bound to the public listen address, not an ephemeral one, and is
// also needed for receiving the next inbound datagram).
func (f *Forwarder) sendDirect(backend *config.TargetBackend, payload []byte) {
	addr := &net.UDPAddr{IP: net.ParseIP(backend.IP), Port: backend.Port}
	sender, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		f.log.Log(logging.ErrorLevel, logging.Fields{"backend": backend.Key()}, "backend unreachable: %v", err)
		return
	}
	defer sender.Close()

	if _, err := sender.Write(payload); err != nil {
		if isMessageTooLong(err) {
			f.log.Log(logging.Warn, logging.Fields{"backend": backend.Key()}, "datagram too large, dropping")
			return
		}
		f.log.Log(logging.ErrorLevel, logging.Fields{"backend": backend.Key()}, "backend unreachable: %v", err)
	}
}

func (f *Forwarder) pickBackend(clientKey string, sctx balancer.SelectionContext) (*config.TargetBackend, error) {
	if f.endpoint.UDPSticky {
		if b, ok := f.sticky.Get(clientKey); ok {
			return b, nil
		}
		backend, err := f.lb.Pick(f.endpoint, sctx)
		if err != nil {
			return nil, err
		}
		f.sticky.Put(clientKey, backend)
		return backend, nil
	}
	return f.lb.Pick(f.endpoint, sctx)
}

func isMessageTooLong(err error) bool {
	return errors.Is(err, syscall.EMSGSIZE)
}
