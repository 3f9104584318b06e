package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditshop_orders_placed_total",
			Help: "Orders placed, by category",
		},
		[]string{"category"},
	)

	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditshop_order_transitions_total",
			Help: "Order status transitions, by target status",
		},
		[]string{"status"},
	)

	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditshop_ledger_operations_total",
			Help: "Ledger mutations, by journal kind",
		},
		[]string{"kind"},
	)

	FulfillmentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditshop_fulfillment_outcomes_total",
			Help: "Automated fulfillment results, by outcome",
		},
		[]string{"outcome"},
	)

	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creditshop_provider_request_duration_ms",
			Help:    "Duration of provider requests in ms",
			Buckets: []float64{25, 50, 100, 200, 400, 800, 1600, 3200, 6400},
		},
		[]string{"phase"},
	)
)
