package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus export surface, generalized from the teacher's
// internal/metrics/metrics.go (four package-level promauto collectors) to a
// per-backend/per-endpoint metric family. Kept as package-level vars exactly
// like the teacher does: these are process-wide observability exports, not
// the forbidden business-state singletons the design notes warn about (spec
// §9) — nothing here is read back by forwarding logic.
var (
	ActiveConnectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "portforward",
		Name:      "backend_active_connections",
		Help:      "Current number of active connections held against a backend.",
	}, []string{"target"})

	TotalConnectionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portforward",
		Name:      "backend_connections_total",
		Help:      "Total number of connections admitted to a backend.",
	}, []string{"target"})

	HTTPStatusCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portforward",
		Name:      "backend_http_responses_total",
		Help:      "Total HTTP responses relayed from a backend, by status class.",
	}, []string{"target", "class"})

	AdmissionRejectedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portforward",
		Name:      "endpoint_admission_rejected_total",
		Help:      "Total connection/packet admissions rejected by an endpoint's limiter.",
	}, []string{"endpoint"})

	EndpointActiveGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "portforward",
		Name:      "endpoint_listening",
		Help:      "1 when an endpoint's listener is bound and accepting, 0 otherwise.",
	}, []string{"endpoint", "protocol"})
)
