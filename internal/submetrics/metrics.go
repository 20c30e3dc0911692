package submetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts billing webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsync",
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks billing webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "subsync",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// GrantsTotal counts entitlement grants by transaction type and outcome.
	GrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsync",
		Name:      "grants_total",
		Help:      "Total subscription grant attempts by transaction type and outcome.",
	}, []string{"transaction_type", "outcome"})

	// RepairsTotal counts reconciliation repair attempts by outcome.
	RepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsync",
		Name:      "repairs_total",
		Help:      "Total charge repair attempts by outcome.",
	}, []string{"outcome"})

	// CreditAppliesTotal counts gift credit auto-apply attempts by outcome.
	CreditAppliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsync",
		Name:      "credit_applies_total",
		Help:      "Total gift credit auto-apply attempts by outcome.",
	}, []string{"outcome"})
)
