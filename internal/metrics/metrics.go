// Package metrics holds the Prometheus collectors for the lifecycle
// manager. Collectors are created against an injected registerer so tests
// can use an isolated registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	GuardDecisions     *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	ReconcileDuration  prometheus.Histogram
	ReconcileAnomalies *prometheus.CounterVec
	SessionSpend       prometheus.Gauge
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		GuardDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvm_guard_decisions_total",
			Help: "Safety guard outcomes by verdict and reason",
		}, []string{"verdict", "reason"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentvm_operation_duration_seconds",
			Help:    "Duration of lifecycle operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		ReconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentvm_reconcile_duration_seconds",
			Help:    "Duration of each reconciliation pass",
			Buckets: prometheus.DefBuckets,
		}),
		ReconcileAnomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvm_reconcile_anomalies_total",
			Help: "Reconciliation anomalies by kind",
		}, []string{"kind"}),
		SessionSpend: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentvm_session_spend_credits",
			Help: "Credits committed by this process since start",
		}),
	}
}
