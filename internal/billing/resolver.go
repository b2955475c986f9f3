package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/storygate/storygate/internal/store"
)

// CustomerResolver maps a local user to exactly one provider customer.
// Concurrent resolutions for the same user collapse into a single provider
// call, so a burst of checkout attempts cannot mint duplicate customers.
type CustomerResolver struct {
	store   *store.Store
	gateway *Gateway
	group   singleflight.Group
}

// NewCustomerResolver creates a CustomerResolver.
func NewCustomerResolver(st *store.Store, gw *Gateway) *CustomerResolver {
	return &CustomerResolver{store: st, gateway: gw}
}

// Resolve returns the provider customer id for the user, creating the
// customer at the provider and persisting the linkage if necessary.
//
// A stored id is verified against the provider; if the provider no longer
// knows it (deleted customer, environment reset) resolution falls through to
// search-then-create instead of failing. Before creating, the provider is
// searched by email so that out-of-band customers are adopted rather than
// duplicated.
func (cr *CustomerResolver) Resolve(ctx context.Context, user *store.User) (string, error) {
	v, err, _ := cr.group.Do(user.ID, func() (interface{}, error) {
		return cr.resolve(ctx, user)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (cr *CustomerResolver) resolve(ctx context.Context, user *store.User) (string, error) {
	sub, err := cr.store.GetSubscription(user.ID)
	if err != nil {
		return "", fmt.Errorf("lookup subscription for user %s: %w", user.ID, err)
	}
	staleCustomerID := ""
	if sub != nil && sub.CustomerID != "" {
		ok, err := cr.gateway.CustomerExists(ctx, sub.CustomerID)
		if err != nil {
			return "", fmt.Errorf("verify customer %s: %w", sub.CustomerID, err)
		}
		if ok {
			return sub.CustomerID, nil
		}
		staleCustomerID = sub.CustomerID
		log.Warn().
			Str("user_id", user.ID).
			Str("customer_id", staleCustomerID).
			Msg("Stored customer id unknown at provider, re-resolving")
	}

	customerID, err := cr.gateway.FindCustomerByEmail(ctx, user.Email)
	if err != nil {
		return "", fmt.Errorf("search customer by email: %w", err)
	}
	if customerID == "" {
		customerID, err = cr.gateway.CreateCustomer(ctx, user.ID, user.Email)
		if err != nil {
			return "", fmt.Errorf("create customer: %w", err)
		}
		log.Info().
			Str("user_id", user.ID).
			Str("customer_id", customerID).
			Msg("Provider customer created")
	}

	// A dead stored id is replaced in place; everywhere else the binding is
	// written through the immutable path.
	if staleCustomerID != "" {
		if err := cr.store.RebindCustomer(user.ID, staleCustomerID, customerID); err != nil {
			sub, rerr := cr.store.GetSubscription(user.ID)
			if rerr == nil && sub != nil && sub.CustomerID != "" && sub.CustomerID != staleCustomerID {
				log.Warn().
					Str("user_id", user.ID).
					Str("resolved_customer_id", customerID).
					Str("stored_customer_id", sub.CustomerID).
					Msg("Customer rebinding raced, keeping stored id")
				return sub.CustomerID, nil
			}
			return "", errors.Join(fmt.Errorf("rebind customer %s to user %s: %w", customerID, user.ID, err), rerr)
		}
		log.Info().
			Str("user_id", user.ID).
			Str("old_customer_id", staleCustomerID).
			Str("customer_id", customerID).
			Msg("Customer id rebound after provider forgot the stored one")
		return customerID, nil
	}

	if err := cr.store.BindCustomer(user.ID, customerID); err != nil {
		// A concurrent path may have bound a different id first. The stored
		// binding wins; re-read and use it.
		sub, rerr := cr.store.GetSubscription(user.ID)
		if rerr == nil && sub != nil && sub.CustomerID != "" {
			log.Warn().
				Str("user_id", user.ID).
				Str("resolved_customer_id", customerID).
				Str("stored_customer_id", sub.CustomerID).
				Msg("Customer binding raced, keeping stored id")
			return sub.CustomerID, nil
		}
		return "", errors.Join(fmt.Errorf("bind customer %s to user %s: %w", customerID, user.ID, err), rerr)
	}
	return customerID, nil
}
