package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/storygate/storygate/internal/store"
)

const defaultCallTimeout = 15 * time.Second

// Snapshot is the provider's view of one subscription at a point in time.
// Version is the provider-side ordering token: the event's created timestamp
// for pushed events, the fetch time for polls. The reconciler only merges a
// snapshot whose version is not older than the locally stored one.
type Snapshot struct {
	SubscriptionID string
	CustomerID     string
	Status         store.SubscriptionStatus
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Version        int64
}

// CheckoutFlow describes a provider-hosted checkout session.
type CheckoutFlow struct {
	ID        string
	URL       string
	CreatedAt time.Time
	Open      bool
}

// Gateway is the outbound-only adapter to the billing provider. Provider
// errors are wrapped into the package taxonomy; the gateway never retries,
// retry policy belongs to the caller. The stripe package functions are held
// in fields so tests can substitute fakes.
type Gateway struct {
	timeout time.Duration

	createCustomer       func(params *stripe.CustomerParams) (*stripe.Customer, error)
	getCustomer          func(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
	listCustomersByEmail func(ctx context.Context, email string) ([]*stripe.Customer, error)
	getSubscription      func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	listSubscriptions    func(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	createCheckout       func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	listCheckouts        func(ctx context.Context, customerID string) ([]*stripe.CheckoutSession, error)
}

// NewGateway creates a Gateway using the given Stripe API key.
func NewGateway(apiKey string) *Gateway {
	stripe.Key = strings.TrimSpace(apiKey)
	return &Gateway{
		timeout:              defaultCallTimeout,
		createCustomer:       customer.New,
		getCustomer:          customer.Get,
		listCustomersByEmail: listCustomersByEmail,
		getSubscription:      subscription.Get,
		listSubscriptions:    listSubscriptions,
		createCheckout:       session.New,
		listCheckouts:        listCheckoutSessions,
	}
}

func (g *Gateway) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := g.timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// CreateCustomer creates a provider customer for the user and returns its ID.
func (g *Gateway) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			"user_id": userID,
		},
	}
	params.Context = ctx
	c, err := g.createCustomer(params)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", mapProviderError(err))
	}
	return c.ID, nil
}

// CustomerExists checks whether the stored customer ID still resolves at the
// provider. A deleted customer counts as absent.
func (g *Gateway) CustomerExists(ctx context.Context, customerID string) (bool, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := g.getCustomer(customerID, params)
	if err != nil {
		mapped := mapProviderError(err)
		if errors.Is(mapped, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get customer: %w", mapped)
	}
	return c != nil && !c.Deleted, nil
}

// FindCustomerByEmail searches the provider for an existing customer with the
// given email. Returns "" when none exists. A customer may have been created
// through a path outside this system, so this search must run before any
// create.
func (g *Gateway) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	customers, err := g.listCustomersByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("list customers by email: %w", mapProviderError(err))
	}
	for _, c := range customers {
		if c != nil && !c.Deleted {
			return c.ID, nil
		}
	}
	return "", nil
}

// FetchSubscription retrieves the provider's current view of a subscription.
// The snapshot's version is the fetch time, so a fresh poll always outranks
// events that predate it.
func (g *Gateway) FetchSubscription(ctx context.Context, subscriptionID string) (*Snapshot, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := g.getSubscription(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", mapProviderError(err))
	}
	return snapshotFromSubscription(sub, time.Now().UTC().Unix()), nil
}

// FindActiveSubscription looks for a subscription under the customer that
// currently grants or will grant access (active or trialing). Returns
// (nil, nil) when none exists.
func (g *Gateway) FindActiveSubscription(ctx context.Context, customerID string) (*Snapshot, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	subs, err := g.listSubscriptions(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", mapProviderError(err))
	}
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		switch sub.Status {
		case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
			return snapshotFromSubscription(sub, time.Now().UTC().Unix()), nil
		}
	}
	return nil, nil
}

// CreateCheckoutFlow starts a new provider-hosted checkout session. The
// idempotency key makes a retried request return the same flow instead of
// minting a second one.
func (g *Gateway) CreateCheckoutFlow(ctx context.Context, customerID, userID, priceID, successURL, cancelURL, idempotencyKey string) (*CheckoutFlow, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(customerID),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"user_id": userID,
		},
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)

	sess, err := g.createCheckout(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", mapProviderError(err))
	}
	if sess == nil || strings.TrimSpace(sess.URL) == "" {
		return nil, fmt.Errorf("%w: provider returned empty checkout URL", ErrProviderUnavailable)
	}
	return &CheckoutFlow{
		ID:        sess.ID,
		URL:       strings.TrimSpace(sess.URL),
		CreatedAt: time.Unix(sess.Created, 0).UTC(),
		Open:      sess.Status == stripe.CheckoutSessionStatusOpen,
	}, nil
}

// FindOpenCheckoutFlow returns the most recent checkout session for the
// customer that is still open at the provider and was created at or after
// since. Returns (nil, nil) when none qualifies.
func (g *Gateway) FindOpenCheckoutFlow(ctx context.Context, customerID string, since time.Time) (*CheckoutFlow, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	sessions, err := g.listCheckouts(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list checkout sessions: %w", mapProviderError(err))
	}

	var newest *CheckoutFlow
	for _, sess := range sessions {
		if sess == nil || sess.Status != stripe.CheckoutSessionStatusOpen {
			continue
		}
		created := time.Unix(sess.Created, 0).UTC()
		if created.Before(since) {
			continue
		}
		if newest == nil || created.After(newest.CreatedAt) {
			newest = &CheckoutFlow{
				ID:        sess.ID,
				URL:       strings.TrimSpace(sess.URL),
				CreatedAt: created,
				Open:      true,
			}
		}
	}
	return newest, nil
}

// --- default stripe implementations ---

func listCustomersByEmail(ctx context.Context, email string) ([]*stripe.Customer, error) {
	params := &stripe.CustomerListParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(10)

	var out []*stripe.Customer
	iter := customer.List(params)
	for iter.Next() {
		out = append(out, iter.Customer())
	}
	return out, iter.Err()
}

func listSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(20)

	var out []*stripe.Subscription
	iter := subscription.List(params)
	for iter.Next() {
		out = append(out, iter.Subscription())
	}
	return out, iter.Err()
}

func listCheckoutSessions(ctx context.Context, customerID string) ([]*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionListParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(20)

	var out []*stripe.CheckoutSession
	iter := session.List(params)
	for iter.Next() {
		out = append(out, iter.CheckoutSession())
	}
	return out, iter.Err()
}

func snapshotFromSubscription(sub *stripe.Subscription, version int64) *Snapshot {
	if sub == nil {
		return nil
	}
	snap := &Snapshot{
		SubscriptionID: sub.ID,
		Status:         MapProviderStatus(string(sub.Status)),
		Version:        version,
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		item := sub.Items.Data[0]
		if item.CurrentPeriodStart > 0 {
			snap.PeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
		if item.CurrentPeriodEnd > 0 {
			snap.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return snap
}

func mapProviderError(err error) error {
	if err == nil {
		return nil
	}
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		if sErr.HTTPStatusCode == http.StatusNotFound || sErr.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%w: %s", ErrNotFound, sErr.Code)
		}
		if sErr.HTTPStatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %s", ErrProviderUnavailable, sErr.Msg)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
