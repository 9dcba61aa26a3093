// Package metrics registers the engine's Prometheus collectors, served
// by the report server at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgr_orders_placed_total",
			Help: "Orders submitted to the exchange",
		},
		[]string{"symbol", "layer", "side"},
	)

	OrdersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgr_orders_filled_total",
			Help: "Orders observed filled",
		},
		[]string{"symbol", "layer", "side"},
	)

	OrdersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgr_orders_cancelled_total",
			Help: "Orders cancelled (timeout, eviction, halt)",
		},
		[]string{"symbol", "reason"},
	)

	ReconcilePasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgr_reconcile_passes_total",
			Help: "Reconciliation passes by outcome",
		},
		[]string{"symbol", "outcome"}, // ok|error
	)

	Divergences = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgr_divergences_total",
			Help: "Ledger/exchange discrepancies by kind",
		},
		[]string{"symbol", "kind"}, // orphaned|unknown_remote|mismatched
	)

	RiskState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qgr_risk_state",
			Help: "Risk state per symbol (0 running, 1 warning, 2 halted)",
		},
		[]string{"symbol"},
	)

	LayerUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qgr_layer_utilization",
			Help: "Locked notional over layer budget",
		},
		[]string{"symbol", "layer"},
	)

	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qgr_equity_quote",
			Help: "Account equity in quote currency",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced,
		OrdersFilled,
		OrdersCancelled,
		ReconcilePasses,
		Divergences,
		RiskState,
		LayerUtilization,
		Equity,
	)
}
