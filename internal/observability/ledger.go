package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/stockledger/internal/inventory"
)

// LedgerMetrics counts stock ledger events. A nil receiver records nothing.
type LedgerMetrics struct {
	movements           *prometheus.CounterVec
	negativeStock       prometheus.Counter
	driftRepaired       prometheus.Counter
	concurrencyTimeouts prometheus.Counter
}

var _ inventory.MetricsPort = (*LedgerMetrics)(nil)

// NewLedgerMetrics registers the ledger collectors.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		movements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_movements_total",
			Help: "Committed stock movements by movement type.",
		}, []string{"type"}),
		negativeStock: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockledger_negative_stock_total",
			Help: "Outbound movements that left a balance below zero.",
		}),
		driftRepaired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockledger_drift_repaired_total",
			Help: "Balances rewritten by recalculation because they drifted from history.",
		}),
		concurrencyTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockledger_concurrency_timeouts_total",
			Help: "Mutations abandoned after exhausting lock or version retries.",
		}),
	}
	registerer.MustRegister(m.movements, m.negativeStock, m.driftRepaired, m.concurrencyTimeouts)
	return m
}

func (m *LedgerMetrics) MovementCommitted(t inventory.MovementType) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(string(t)).Inc()
}

func (m *LedgerMetrics) NegativeStock() {
	if m == nil {
		return
	}
	m.negativeStock.Inc()
}

func (m *LedgerMetrics) DriftRepaired() {
	if m == nil {
		return
	}
	m.driftRepaired.Inc()
}

func (m *LedgerMetrics) ConcurrencyTimeout() {
	if m == nil {
		return
	}
	m.concurrencyTimeouts.Inc()
}
