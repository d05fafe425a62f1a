// Package udpworker adapts the teacher's internal/worker.Pool — a bounded
// goroutine pool gated by a permits channel sized workerCount+jobQueueSize —
// from posting buffered HTTP job bodies to an OTel collector into sending
// UDP datagrams to a selected backend. It backs the `pool` and `hybrid`
// udp_dispatch_mode values described in SPEC_FULL.md §5.
package udpworker

import (
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/otlpxy/portforward/internal/config"
	"github.com/otlpxy/portforward/internal/logging"
)

// Datagram is one UDP send job: the payload plus the backend it's bound for.
type Datagram struct {
	Payload []byte
	Backend *config.TargetBackend
}

// Pool is a fixed-size pool of goroutines sending datagrams from a buffered
// queue, sized the same way the teacher's worker.Pool is: workerCount
// defaults to 50×NumCPU for an I/O-bound send workload, jobQueueSize
// defaults to 10000, and a permits channel bounds in-flight+queued jobs so
// Submit can reject deterministically instead of growing unbounded memory.
type Pool struct {
	log logging.Logger

	workerCount     int
	jobQueue        chan Datagram
	wg              sync.WaitGroup
	stopOnce        sync.Once
	startOnce       sync.Once
	shutdownTimeout time.Duration
	permits         chan struct{}

	conn *net.UDPConn
}

// NewPool constructs a Pool. workerCount<=0 defaults to 50×NumCPU;
// jobQueueSize<=0 defaults to 10000, mirroring the teacher's NewPool
// defaults exactly.
func NewPool(log logging.Logger, workerCount, jobQueueSize int, shutdownTimeout time.Duration) (*Pool, error) {
	if workerCount <= 0 {
		workerCount = 50 * runtime.NumCPU()
	}
	if jobQueueSize <= 0 {
		jobQueueSize = 10000
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}

	return &Pool{
		log:             log,
		workerCount:     workerCount,
		jobQueue:        make(chan Datagram, jobQueueSize),
		shutdownTimeout: shutdownTimeout,
		permits:         make(chan struct{}, workerCount+jobQueueSize),
		conn:            conn,
	}, nil
}

// Start spawns the worker goroutines. Safe to call more than once; only the
// first call has effect.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workerCount; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Stop closes the job queue and waits up to shutdownTimeout for in-flight
// sends to finish, then closes the shared send socket.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobQueue)

		done := make(chan struct{})
		go func() {
			defer close(done)
			p.wg.Wait()
		}()

		select {
		case <-done:
		case <-time.After(p.shutdownTimeout):
			p.log.Log(logging.Warn, nil, "udp worker pool stop timed out after %v", p.shutdownTimeout)
		}
		_ = p.conn.Close()
	})
}

// Submit enqueues a datagram for sending. Returns false if the pool is at
// full system-wide capacity (in-flight workers + buffered queue), the same
// backpressure contract as the teacher's SubmitJob.
func (p *Pool) Submit(d Datagram) bool {
	select {
	case p.permits <- struct{}{}:
		p.jobQueue <- d
		return true
	default:
		return false
	}
}

// QueueDepth reports the current number of buffered, not-yet-sent datagrams.
func (p *Pool) QueueDepth() int {
	return len(p.jobQueue)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for d := range p.jobQueue {
		addr := &net.UDPAddr{IP: net.ParseIP(d.Backend.IP), Port: d.Backend.Port}
		if _, err := p.conn.WriteToUDP(d.Payload, addr); err != nil {
			p.log.Log(logging.ErrorLevel, logging.Fields{"backend": d.Backend.Key()}, "udp worker %d: send failed: %v", id, err)
		}
		<-p.permits
	}
}
