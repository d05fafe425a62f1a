package config

import (
	"net/http"
	"time"

	"github.com/otlpxy/portforward/internal/metrics"
)

// Protocol is the wire protocol an endpoint listens for.
type Protocol string

const (
	ProtocolTCP    Protocol = "tcp"
	ProtocolTLSTCP Protocol = "tlsTcp"
	ProtocolUDP    Protocol = "udp"
	ProtocolHTTP   Protocol = "http"
)

// BackendProtocol is the protocol variant used when dialing a backend.
type BackendProtocol string

const (
	BackendPlain BackendProtocol = "plain"
	BackendTLS   BackendProtocol = "tls"
)

// Algorithm selects a LoadBalancer strategy.
type Algorithm string

const (
	AlgoRoundRobin          Algorithm = "round_robin"
	AlgoRandom              Algorithm = "random"
	AlgoLeastConnections    Algorithm = "least_connections"
	AlgoWeightedRoundRobin  Algorithm = "weighted_round_robin"
	AlgoHash                Algorithm = "hash"
	AlgoZoneAffinity        Algorithm = "zone_affinity"
)

// DispatchMode picks the concurrency engine backing UDP's per-packet handler
// fan-out (expansion — generalized from the teacher's pool/semaphore/hybrid
// forwarding-mode trichotomy, see SPEC_FULL.md §5).
type DispatchMode string

const (
	DispatchPool      DispatchMode = "pool"
	DispatchSemaphore DispatchMode = "semaphore"
	DispatchHybrid    DispatchMode = "hybrid"
)

// TargetBackend is a reachable upstream a LoadBalancer may select. Static
// fields are populated once at load time and never mutated; State carries
// the mutable per-instance counters and health flag described in spec §3.
type TargetBackend struct {
	IP              string
	Port            int
	Weight          int // defaults to 1 when unset
	Zone            string
	HTTPPath        string
	StripPath       bool
	BackendProtocol BackendProtocol
	Timeout         time.Duration
	RequestHeaders  http.Header

	State *metrics.BackendState
}

// Key returns the "ip:port" identity used by MetricsStore and sticky maps.
func (b *TargetBackend) Key() string {
	return metrics.Key(b.IP, b.Port)
}

// ZoneAffinityConfig carries the optional parameters for the ZoneAffinity
// strategy: none are required today, but the struct gives Open Question /
// future-parameter room without changing EndpointConfig's shape.
type ZoneAffinityConfig struct {
	// FallbackToLeastConnections defaults to true and can be set from the
	// config file. The balancer does not read it: ZoneAffinity always falls
	// back to least-connections over all healthy backends.
	FallbackToLeastConnections bool
}

// EndpointConfig is a bound (listenIp, listenPort, protocol) triple with its
// attached backends and policy. Immutable after Orchestrator.Init.
type EndpointConfig struct {
	ListenIP       string
	ListenPort     int
	Protocol       Protocol
	MaxConnections int

	PathPrefix string // HTTP only

	ServerCertificate         *TLSMaterial // tlsTcp only
	ClientCertificateRequired bool

	Backends  []*TargetBackend
	Algorithm Algorithm

	ZoneAffinity *ZoneAffinityConfig

	UDPSticky  bool
	HTTPSticky bool

	// DispatchMode only applies to UDP endpoints (expansion).
	DispatchMode DispatchMode
}

// Addr returns the "ip:port" identity this endpoint is bound to.
func (e *EndpointConfig) Addr() string {
	return metrics.Key(e.ListenIP, e.ListenPort)
}

// TLSMaterial is the already-parsed certificate the forwarder is handed;
// certificate acquisition itself is an external collaborator (spec §1).
type TLSMaterial struct {
	CertFile string
	KeyFile  string
}
