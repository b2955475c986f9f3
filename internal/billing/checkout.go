package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/storygate/storygate/internal/billing/billmetrics"
	"github.com/storygate/storygate/internal/store"
)

// DefaultCheckoutWindow is how long an open checkout flow suppresses new
// flows for the same customer.
const DefaultCheckoutWindow = 30 * time.Minute

// CheckoutResult is the outcome of a successful checkout initiation.
type CheckoutResult struct {
	FlowID string `json:"flow_id"`
	URL    string `json:"url"`
	// Reused is true when an existing open flow was returned instead of a
	// newly created one.
	Reused bool `json:"reused"`
}

// CheckoutInitiator starts provider checkout flows. It guarantees at most one
// customer per user and at most one open flow per customer within the reuse
// window, regardless of how many requests arrive concurrently.
type CheckoutInitiator struct {
	store      *store.Store
	gateway    *Gateway
	resolver   *CustomerResolver
	reconciler *Reconciler

	priceID    string
	successURL string
	cancelURL  string
	window     time.Duration

	group singleflight.Group
	now   func() time.Time
}

// NewCheckoutInitiator creates a CheckoutInitiator for a single price.
func NewCheckoutInitiator(st *store.Store, gw *Gateway, resolver *CustomerResolver, rec *Reconciler, priceID, successURL, cancelURL string) *CheckoutInitiator {
	return &CheckoutInitiator{
		store:      st,
		gateway:    gw,
		resolver:   resolver,
		reconciler: rec,
		priceID:    priceID,
		successURL: successURL,
		cancelURL:  cancelURL,
		window:     DefaultCheckoutWindow,
		now:        time.Now,
	}
}

// SetWindow overrides the open-flow reuse window. Zero or negative values
// keep the default.
func (ci *CheckoutInitiator) SetWindow(d time.Duration) {
	if d > 0 {
		ci.window = d
	}
}

// Start initiates a checkout flow for the user. Concurrent calls for the same
// user collapse into one execution and all receive the same result.
//
// The gates, in order: a locally entitled user gets ErrAlreadyEntitled; a
// locally pending payment gets ErrCheckoutPending; an open flow inside the
// reuse window is returned as-is; a provider-side active subscription the
// local store missed is reconciled in and reported as ErrAlreadyEntitled.
// Only when every gate passes is a new flow created, under an idempotency key
// derived from the user and the current window so provider-level retries
// cannot fan out either.
func (ci *CheckoutInitiator) Start(ctx context.Context, userID string) (*CheckoutResult, error) {
	v, err, _ := ci.group.Do(userID, func() (interface{}, error) {
		return ci.start(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*CheckoutResult), nil
}

func (ci *CheckoutInitiator) start(ctx context.Context, userID string) (*CheckoutResult, error) {
	user, err := ci.store.GetUser(userID)
	if err != nil {
		billmetrics.CheckoutRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if user == nil {
		billmetrics.CheckoutRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}

	now := ci.now()

	sub, err := ci.store.GetSubscription(userID)
	if err != nil {
		billmetrics.CheckoutRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("lookup subscription: %w", err)
	}
	if sub != nil {
		if sub.Entitled(now) {
			billmetrics.CheckoutRequestsTotal.WithLabelValues("already_entitled").Inc()
			return nil, ErrAlreadyEntitled
		}
		if sub.Status == store.StatusIncomplete && sub.SubscriptionID != "" {
			billmetrics.CheckoutRequestsTotal.WithLabelValues("pending").Inc()
			return nil, ErrCheckoutPending
		}
	}

	customerID, err := ci.resolver.Resolve(ctx, user)
	if err != nil {
		billmetrics.CheckoutRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("resolve customer: %w", err)
	}

	if flow, err := ci.gateway.FindOpenCheckoutFlow(ctx, customerID, now.Add(-ci.window)); err != nil {
		billmetrics.CheckoutRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("find open checkout flow: %w", err)
	} else if flow != nil {
		billmetrics.CheckoutRequestsTotal.WithLabelValues("reused").Inc()
		log.Info().
			Str("user_id", userID).
			Str("flow_id", flow.ID).
			Msg("Reusing open checkout flow")
		return &CheckoutResult{FlowID: flow.ID, URL: flow.URL, Reused: true}, nil
	}

	// The local store can lag the provider (missed webhook, fresh install).
	// An active provider subscription is adopted instead of double-billed.
	if snap, err := ci.gateway.FindActiveSubscription(ctx, customerID); err != nil {
		billmetrics.CheckoutRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("check provider subscriptions: %w", err)
	} else if snap != nil {
		if err := ci.reconciler.Apply(ctx, snap, userID); err != nil {
			log.Warn().Err(err).
				Str("user_id", userID).
				Str("subscription_id", snap.SubscriptionID).
				Msg("Failed to adopt provider-side subscription")
		}
		billmetrics.CheckoutRequestsTotal.WithLabelValues("already_entitled").Inc()
		return nil, ErrAlreadyEntitled
	}

	key := fmt.Sprintf("checkout-%s-%d", userID, now.Unix()/int64(ci.window.Seconds()))
	flow, err := ci.gateway.CreateCheckoutFlow(ctx, customerID, userID, ci.priceID, ci.successURL, ci.cancelURL, key)
	if err != nil {
		billmetrics.CheckoutRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("create checkout flow: %w", err)
	}

	billmetrics.CheckoutRequestsTotal.WithLabelValues("created").Inc()
	log.Info().
		Str("user_id", userID).
		Str("customer_id", customerID).
		Str("flow_id", flow.ID).
		Msg("Checkout flow created")
	return &CheckoutResult{FlowID: flow.ID, URL: flow.URL}, nil
}
