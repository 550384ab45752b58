package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_requests_total",
		Help: "Inbound provider webhook requests by outcome",
	}, []string{"provider", "outcome"})

	EventsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "status_events_total",
		Help: "Status events evaluated by the state machine",
	}, []string{"provider", "source", "outcome"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Accepted order transitions by target status",
	}, []string{"to", "flagged"})

	UnmappedStatusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unmapped_provider_status_total",
		Help: "Raw provider statuses without a canonical mapping",
	}, []string{"provider"})

	VersionConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_version_conflicts_total",
		Help: "Optimistic concurrency conflicts on compare-and-apply",
	})

	UnknownOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unknown_order_events_total",
		Help: "Provider events referencing an order we do not hold",
	}, []string{"provider"})

	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Orders handed to a fulfillment provider",
	}, []string{"provider"})

	PollLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_poll_latency_seconds",
		Help:    "Latency of provider status fetches",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	PollFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_poll_failures_total",
		Help: "Provider status fetches that failed or timed out",
	}, []string{"provider"})

	ReconcileBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconcile_batch_size",
		Help:    "Stale orders picked up per reconcile cycle",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 200, 500},
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
