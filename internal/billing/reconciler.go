package billing

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/storygate/storygate/internal/billing/billmetrics"
	"github.com/storygate/storygate/internal/logging"
	"github.com/storygate/storygate/internal/store"
)

// Reconciler merges provider-reported subscription state into the local
// store. One merge function serves every trigger — pushed events and direct
// provider polls alike — and the provider-side version comparison makes the
// merge safe against out-of-order and duplicate delivery.
type Reconciler struct {
	store   *store.Store
	gateway *Gateway

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewReconciler creates a Reconciler.
func NewReconciler(st *store.Store, gw *Gateway) *Reconciler {
	return &Reconciler{
		store:   st,
		gateway: gw,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing updates for one subscription.
// Cross-subscription updates need no coordination.
func (r *Reconciler) lockFor(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.locks[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	r.locks[key] = m
	return m
}

// ReconcileSubscription fetches the provider's current view of the
// subscription and applies it. Used when the trigger carries no usable
// subscription object (checkout completion, invoice events) and for the
// checkout initiator's direct poll.
func (r *Reconciler) ReconcileSubscription(ctx context.Context, customerID, subscriptionID, userIDHint string) error {
	snap, err := r.gateway.FetchSubscription(ctx, subscriptionID)
	if err != nil {
		billmetrics.ReconcileTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("fetch subscription %s: %w", subscriptionID, err)
	}
	if snap.CustomerID == "" {
		snap.CustomerID = customerID
	}
	return r.Apply(ctx, snap, userIDHint)
}

// Apply merges a provider snapshot into the subscription store. userIDHint
// attaches a subscription this system has never heard of (created through a
// path outside the checkout initiator) to its user; it is ignored when the
// customer already maps to a local row.
//
// The merge applies only if the snapshot's version is not older than the
// stored one, so re-applying a duplicate is a no-op and a stale event cannot
// regress a newer status. All fields are written atomically in one statement.
func (r *Reconciler) Apply(ctx context.Context, snap *Snapshot, userIDHint string) error {
	if snap == nil || snap.SubscriptionID == "" || snap.CustomerID == "" {
		billmetrics.ReconcileTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("snapshot missing subscription or customer id")
	}
	if !IsSafeProviderID(snap.SubscriptionID) || !IsSafeProviderID(snap.CustomerID) {
		billmetrics.ReconcileTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("unsafe provider id in snapshot")
	}

	lock := r.lockFor(snap.SubscriptionID)
	lock.Lock()
	defer lock.Unlock()

	local, err := r.resolveLocal(snap, userIDHint)
	if err != nil {
		return err
	}

	if local.CustomerID != snap.CustomerID {
		billmetrics.ReconcileTotal.WithLabelValues("mismatch").Inc()
		log.Warn().
			Str("user_id", local.UserID).
			Str("stored_customer_id", local.CustomerID).
			Str("event_customer_id", snap.CustomerID).
			Str("subscription_id", snap.SubscriptionID).
			Msg("Customer id mismatch, dropping event")
		return fmt.Errorf("%w: customer %s does not match stored %s", ErrDataIntegrity, snap.CustomerID, local.CustomerID)
	}

	// The version comparison holds across subscription identities: a
	// resubscribe takes the row over because its events are newer, while a
	// delayed event for a previous subscription can never claw it back.
	if snap.Version < local.ProviderVersion {
		billmetrics.ReconcileTotal.WithLabelValues("stale").Inc()
		log.Debug().
			Str("subscription_id", snap.SubscriptionID).
			Str("stored_subscription_id", local.SubscriptionID).
			Int64("event_version", snap.Version).
			Int64("stored_version", local.ProviderVersion).
			Msg("Stale snapshot, skipping")
		return nil
	}
	// Canceled is terminal for a given subscription identity. A resubscribe
	// arrives under a new subscription id and overwrites the row.
	sameIdentity := local.SubscriptionID == snap.SubscriptionID
	if sameIdentity && local.Status.Terminal() && !snap.Status.Terminal() {
		billmetrics.ReconcileTotal.WithLabelValues("stale").Inc()
		log.Warn().
			Str("subscription_id", snap.SubscriptionID).
			Str("status", string(snap.Status)).
			Msg("Ignoring transition out of canceled for same subscription identity")
		return nil
	}

	next := &store.Subscription{
		SubscriptionID:  snap.SubscriptionID,
		Status:          snap.Status,
		ProviderVersion: snap.Version,
	}
	if !snap.PeriodStart.IsZero() {
		ps := snap.PeriodStart
		next.PeriodStart = &ps
	}
	if !snap.PeriodEnd.IsZero() {
		pe := snap.PeriodEnd
		next.PeriodEnd = &pe
	}
	if err := r.store.ApplySnapshot(local.UserID, next); err != nil {
		billmetrics.ReconcileTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("apply snapshot for user %s: %w", local.UserID, err)
	}

	billmetrics.ReconcileTotal.WithLabelValues("applied").Inc()
	log.Info().
		Str("user_id", local.UserID).
		Str("customer_id", snap.CustomerID).
		Str("subscription_id", snap.SubscriptionID).
		Str("status", string(snap.Status)).
		Int64("version", snap.Version).
		Str("request_id", logging.RequestIDFromContext(ctx)).
		Msg("Subscription reconciled")
	return nil
}

// resolveLocal finds (or, via the user hint, creates) the subscription row
// the snapshot belongs to.
func (r *Reconciler) resolveLocal(snap *Snapshot, userIDHint string) (*store.Subscription, error) {
	local, err := r.store.GetSubscriptionByCustomerID(snap.CustomerID)
	if err != nil {
		billmetrics.ReconcileTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("lookup subscription by customer: %w", err)
	}
	if local != nil {
		return local, nil
	}

	// The customer is unknown; the subscription id may still map to a row
	// whose customer linkage disagrees with the event.
	bySub, err := r.store.GetSubscriptionBySubscriptionID(snap.SubscriptionID)
	if err != nil {
		billmetrics.ReconcileTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("lookup subscription by subscription id: %w", err)
	}
	if bySub != nil {
		return bySub, nil
	}

	if userIDHint == "" {
		billmetrics.ReconcileTotal.WithLabelValues("orphan").Inc()
		log.Warn().
			Str("customer_id", snap.CustomerID).
			Str("subscription_id", snap.SubscriptionID).
			Msg("Snapshot references unknown customer and no user hint, dropping")
		return nil, fmt.Errorf("%w: no local record for customer %s", ErrDataIntegrity, snap.CustomerID)
	}

	user, err := r.store.GetUser(userIDHint)
	if err != nil {
		billmetrics.ReconcileTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("lookup user %s: %w", userIDHint, err)
	}
	if user == nil {
		billmetrics.ReconcileTotal.WithLabelValues("orphan").Inc()
		return nil, fmt.Errorf("%w: user hint %s does not exist", ErrDataIntegrity, userIDHint)
	}
	if err := r.store.BindCustomer(user.ID, snap.CustomerID); err != nil {
		billmetrics.ReconcileTotal.WithLabelValues("mismatch").Inc()
		return nil, fmt.Errorf("%w: %v", ErrDataIntegrity, err)
	}
	local, err = r.store.GetSubscription(user.ID)
	if err != nil || local == nil {
		billmetrics.ReconcileTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("reload subscription for user %s: %w", user.ID, err)
	}
	return local, nil
}
