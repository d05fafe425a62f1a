// Package metrics implements the MetricsStore described in spec §3/§6: a
// concurrent map keyed by "ip:port" holding per-backend counters, mutated
// atomically, plus a snapshot surface for Orchestrator.Metrics().
package metrics

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Key builds the "ip:port" identity MetricsStore, StickyMap, and
// ConnectionPool all key off.
func Key(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// BackendState holds the mutable per-backend counters from spec §3:
// activeConnections, totalConnections, lastActivity, the four HTTP status
// class counters, avgResponseTimeMs, and the health flag. Every field is
// either a go.uber.org/atomic value or guarded by a short critical section,
// matching the teacher's own choice of go.uber.org/atomic throughout its
// forwarder variants.
type BackendState struct {
	Target string

	activeConnections atomic.Int64
	totalConnections   atomic.Int64
	lastActivityNanos  atomic.Int64

	http2xx atomic.Int64
	http3xx atomic.Int64
	http4xx atomic.Int64
	http5xx atomic.Int64

	healthy atomic.Bool

	// avgResponseTimeMs is updated as (old*n + new)/(n+1); the update itself
	// is not representable as a single atomic RMW over two floats, so it's
	// guarded by a short critical section per spec §3, not a CAS loop.
	avgMu          sync.Mutex
	avgResponseMs  float64
	responseCount  int64
}

// NewBackendState constructs a BackendState, initially healthy (a freshly
// configured backend is assumed reachable until HealthChecker says
// otherwise — the same assumption the teacher makes about its single fixed
// collector target).
func NewBackendState(target string) *BackendState {
	s := &BackendState{Target: target}
	s.healthy.Store(true)
	return s
}

// OnAdmit records a +1 admission: activeConnections and totalConnections
// both increase, lastActivity advances. Every call must be paired with
// exactly one OnRelease per the invariant in spec §3.
func (s *BackendState) OnAdmit() {
	s.activeConnections.Inc()
	s.totalConnections.Inc()
	s.touch()
	ActiveConnectionsGauge.WithLabelValues(s.Target).Inc()
	TotalConnectionsCounter.WithLabelValues(s.Target).Inc()
}

// OnRelease records the matching -1. activeConnections never goes negative;
// callers must not call it without a prior OnAdmit.
func (s *BackendState) OnRelease() {
	s.activeConnections.Dec()
	s.touch()
	ActiveConnectionsGauge.WithLabelValues(s.Target).Dec()
}

func (s *BackendState) touch() {
	s.lastActivityNanos.Store(time.Now().UnixNano())
}

// ActiveConnections returns the current in-flight count for this backend.
func (s *BackendState) ActiveConnections() int64 { return s.activeConnections.Load() }

// SetHealthy updates the health flag; called only by HealthChecker.
func (s *BackendState) SetHealthy(healthy bool) { s.healthy.Store(healthy) }

// Healthy reports the last health-check result.
func (s *BackendState) Healthy() bool { return s.healthy.Load() }

// RecordHTTPStatus increments the class counter for the given status code
// and folds elapsed into avgResponseTimeMs, the running mean over every
// recorded response (each response weighs the same).
func (s *BackendState) RecordHTTPStatus(statusCode int, elapsed time.Duration) {
	class := "5xx"
	switch {
	case statusCode >= 200 && statusCode < 300:
		s.http2xx.Inc()
		class = "2xx"
	case statusCode >= 300 && statusCode < 400:
		s.http3xx.Inc()
		class = "3xx"
	case statusCode >= 400 && statusCode < 500:
		s.http4xx.Inc()
		class = "4xx"
	default:
		s.http5xx.Inc()
	}
	HTTPStatusCounter.WithLabelValues(s.Target, class).Inc()
	s.touch()

	ms := float64(elapsed.Microseconds()) / 1000.0
	s.avgMu.Lock()
	n := s.responseCount
	s.avgResponseMs = (s.avgResponseMs*float64(n) + ms) / float64(n+1)
	s.responseCount = n + 1
	s.avgMu.Unlock()
}

// AvgResponseTimeMs returns the mean response time over all recorded
// responses.
func (s *BackendState) AvgResponseTimeMs() float64 {
	s.avgMu.Lock()
	defer s.avgMu.Unlock()
	return s.avgResponseMs
}

// Snapshot is the read-only view returned by MetricsStore.Snapshot / the
// Metrics() surface in spec §6.
type Snapshot struct {
	Target            string
	Active            int64
	Total             int64
	Http2xx           int64
	Http3xx           int64
	Http4xx           int64
	Http5xx           int64
	LastActivity      time.Time
	AvgResponseTimeMs float64
}

func (s *BackendState) snapshot() Snapshot {
	return Snapshot{
		Target:            s.Target,
		Active:            s.activeConnections.Load(),
		Total:             s.totalConnections.Load(),
		Http2xx:           s.http2xx.Load(),
		Http3xx:           s.http3xx.Load(),
		Http4xx:           s.http4xx.Load(),
		Http5xx:           s.http5xx.Load(),
		LastActivity:      time.Unix(0, s.lastActivityNanos.Load()),
		AvgResponseTimeMs: s.AvgResponseTimeMs(),
	}
}

// EndpointStatus reports whether a listener is currently bound and serving.
type EndpointStatus struct {
	ListenPort int
	Protocol   string
	IsActive   bool
}

// Store is the concurrent map described in spec §2.1/§3: entries are
// registered once at startup (one per TargetBackend) and read/written
// throughout the process lifetime without a store-wide lock on the hot
// path — only the registration map itself is guarded.
type Store struct {
	mu       sync.RWMutex
	backends map[string]*BackendState
}

// NewStore constructs an empty MetricsStore.
func NewStore() *Store {
	return &Store{backends: make(map[string]*BackendState)}
}

// Register adds a backend's state to the store, keyed by "ip:port". Calling
// Register twice for the same key returns the existing state instead of
// replacing it, so multiple endpoints sharing a backend address see one
// consistent counter set.
func (st *Store) Register(key string, state *BackendState) *BackendState {
	st.mu.Lock()
	defer st.mu.Unlock()
	if existing, ok := st.backends[key]; ok {
		return existing
	}
	st.backends[key] = state
	return state
}

// Get looks up a backend's state by key.
func (st *Store) Get(key string) (*BackendState, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.backends[key]
	return s, ok
}

// Snapshot returns a point-in-time copy of every registered backend's
// counters, used by Orchestrator.Metrics().
func (st *Store) Snapshot() []Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Snapshot, 0, len(st.backends))
	for _, s := range st.backends {
		out = append(out, s.snapshot())
	}
	return out
}

// ActiveConnectionsTotal sums activeConnections across every registered
// backend; Orchestrator.Stop polls this while draining.
func (st *Store) ActiveConnectionsTotal() int64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var total int64
	for _, s := range st.backends {
		total += s.activeConnections.Load()
	}
	return total
}
