package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the guard's Prometheus collectors
type Metrics struct {
	// Verdicts counts evaluated actions by outcome, stage and matched rule
	Verdicts *prometheus.CounterVec

	// EvaluateDuration is the latency of the admission pipeline
	EvaluateDuration *prometheus.HistogramVec

	// AuditFaults counts records that could not be made durable
	AuditFaults prometheus.Counter

	// ConfigFaults counts failed policy or signature loads
	ConfigFaults *prometheus.CounterVec

	// UsageReports counts usage corrections by outcome
	UsageReports *prometheus.CounterVec

	// BackendCalls counts inference backend calls by model and status
	BackendCalls *prometheus.CounterVec

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open
	CircuitBreakerState *prometheus.GaugeVec
}

// NewMetrics registers the collectors on reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_guard_verdicts_total",
			Help: "Evaluated actions by outcome, stage and matched rule.",
		}, []string{"allowed", "stage", "rule"}),

		EvaluateDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_guard_evaluate_duration_seconds",
			Help:    "Latency of the admission pipeline including the audit write.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"allowed"}),

		AuditFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_guard_audit_faults_total",
			Help: "Audit records that failed to commit. Any increase needs operator attention.",
		}),

		ConfigFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_guard_config_faults_total",
			Help: "Failed policy or signature loads.",
		}, []string{"component"}),

		UsageReports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_guard_usage_reports_total",
			Help: "Usage corrections by outcome.",
		}, []string{"outcome"}),

		BackendCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_guard_backend_calls_total",
			Help: "Inference backend calls by model and status.",
		}, []string{"model_id", "status"}),

		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_guard_circuit_breaker_state",
			Help: "Inference backend circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"backend"}),
	}
}
