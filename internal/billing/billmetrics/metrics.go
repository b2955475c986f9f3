package billmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts billing webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storygate",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks billing webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storygate",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// CheckoutRequestsTotal counts checkout initiations by outcome.
	CheckoutRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storygate",
		Subsystem: "billing",
		Name:      "checkout_requests_total",
		Help:      "Checkout initiation requests by outcome.",
	}, []string{"outcome"})

	// ReconcileTotal counts reconciliation attempts by outcome.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storygate",
		Subsystem: "billing",
		Name:      "reconcile_total",
		Help:      "Subscription reconciliation attempts by outcome.",
	}, []string{"outcome"})

	// SubscriptionsByStatus tracks subscription rows by lifecycle status.
	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "storygate",
		Subsystem: "billing",
		Name:      "subscriptions_by_status",
		Help:      "Subscription rows by lifecycle status.",
	}, []string{"status"})

	// EntitledSubscribers tracks the number of currently entitled users.
	EntitledSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "storygate",
		Subsystem: "billing",
		Name:      "entitled_subscribers",
		Help:      "Number of users whose subscription currently grants access.",
	})
)
