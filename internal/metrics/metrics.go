package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmgate_http_requests_in_flight",
			Help: "Requests currently being served, including those waiting on the model gateway.",
		},
	)

	GateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_gate_decisions_total",
			Help: "Admission decisions by outcome.",
		},
		[]string{"decision"},
	)

	GateCommitFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgate_gate_commit_failures_total",
			Help: "Free calls that succeeded downstream but could not be booked.",
		},
	)

	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_gateway_requests_total",
			Help: "Calls to the upstream model gateway.",
		},
		[]string{"op", "outcome"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgate_gateway_request_duration_seconds",
			Help:    "Upstream model gateway latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"op"},
	)

	ReconcilerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_reconciler_runs_total",
			Help: "Reconciliation runs by outcome.",
		},
		[]string{"outcome"},
	)

	ReconcilerRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_reconciler_records_total",
			Help: "Usage records handled by the reconciler, by outcome.",
		},
		[]string{"outcome"},
	)

	ReconcilerUnpricedRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_reconciler_unpriced_records_total",
			Help: "Usage records billed at zero because the model has no price.",
		},
		[]string{"model"},
	)

	BilledCostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgate_billed_cost_total",
			Help: "Sum of costs debited from balances, in currency units.",
		},
	)

	PricingReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_pricing_reloads_total",
			Help: "Pricing file reloads by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRequestsInFlight,
		GateDecisionsTotal,
		GateCommitFailuresTotal,
		GatewayRequestsTotal,
		GatewayRequestDuration,
		ReconcilerRunsTotal,
		ReconcilerRecordsTotal,
		ReconcilerUnpricedRecordsTotal,
		BilledCostTotal,
		PricingReloadsTotal,
	)
}
