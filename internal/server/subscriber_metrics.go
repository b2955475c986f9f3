package server

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/storygate/storygate/internal/billing/billmetrics"
	"github.com/storygate/storygate/internal/store"
)

const subscriberMetricsInterval = 30 * time.Second

func runSubscriberMetrics(ctx context.Context, st *store.Store) {
	ticker := time.NewTicker(subscriberMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for these gauges.
	updateSubscriberGauges(st)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSubscriberGauges(st)
		}
	}
}

func updateSubscriberGauges(st *store.Store) {
	entitled, err := st.CountEntitled(time.Now())
	if err != nil {
		log.Error().Err(err).Msg("Failed to update entitled subscriber metric")
		return
	}
	billmetrics.EntitledSubscribers.Set(float64(entitled))

	counts, err := st.CountByStatus()
	if err != nil {
		log.Error().Err(err).Msg("Failed to update subscription status metrics")
		return
	}

	known := []store.SubscriptionStatus{
		store.StatusIncomplete,
		store.StatusTrialing,
		store.StatusActive,
		store.StatusPastDue,
		store.StatusCanceled,
	}

	seen := make(map[store.SubscriptionStatus]struct{}, len(counts))

	// Ensure stable label set for known statuses.
	for _, status := range known {
		seen[status] = struct{}{}
		billmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		billmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}
