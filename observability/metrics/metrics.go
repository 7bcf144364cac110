package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics tracks the escrow and sale state machines from the outside:
// transitions, purchases, refunds, and operation failures.
type EngineMetrics struct {
	escrowTransitions *prometheus.CounterVec
	salePurchases     *prometheus.CounterVec
	saleRefunds       *prometheus.CounterVec
	operationFailures *prometheus.CounterVec
	activeSales       prometheus.Gauge
}

var (
	engineOnce     sync.Once
	engineRegistry *EngineMetrics
)

// Engine returns the process-wide engine metrics, registering the collectors
// on first use.
func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			escrowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_transitions_total",
				Help: "Count of escrow state transitions by resulting status.",
			}, []string{"status"}),
			salePurchases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sale_purchases_total",
				Help: "Count of completed purchases by entry path.",
			}, []string{"path"}),
			saleRefunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sale_refunds_total",
				Help: "Count of claim-back refunds by currency.",
			}, []string{"currency"}),
			operationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "engine_operation_failures_total",
				Help: "Count of failed engine operations by module and operation.",
			}, []string{"module", "operation"}),
			activeSales: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "sales_initialized",
				Help: "Number of sales initialized on this node.",
			}),
		}
		prometheus.MustRegister(
			engineRegistry.escrowTransitions,
			engineRegistry.salePurchases,
			engineRegistry.saleRefunds,
			engineRegistry.operationFailures,
			engineRegistry.activeSales,
		)
	})
	return engineRegistry
}

// ObserveEscrowTransition records an escrow entering the named status.
func (m *EngineMetrics) ObserveEscrowTransition(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.escrowTransitions.WithLabelValues(status).Inc()
}

// ObservePurchase records a completed purchase on the named path, either
// "direct" or "escrow".
func (m *EngineMetrics) ObservePurchase(path string) {
	if m == nil {
		return
	}
	if path == "" {
		path = "unknown"
	}
	m.salePurchases.WithLabelValues(path).Inc()
}

// ObserveRefund records a claim-back refund in the named currency.
func (m *EngineMetrics) ObserveRefund(currency string) {
	if m == nil {
		return
	}
	if currency == "" {
		currency = "unknown"
	}
	m.saleRefunds.WithLabelValues(currency).Inc()
}

// ObserveFailure records a failed engine operation.
func (m *EngineMetrics) ObserveFailure(module, operation string) {
	if m == nil {
		return
	}
	m.operationFailures.WithLabelValues(module, operation).Inc()
}

// ObserveSaleInitialized bumps the initialized-sales gauge.
func (m *EngineMetrics) ObserveSaleInitialized() {
	if m == nil {
		return
	}
	m.activeSales.Inc()
}
