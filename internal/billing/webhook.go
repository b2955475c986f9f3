package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/storygate/storygate/internal/billing/billmetrics"
	"github.com/storygate/storygate/internal/logging"
	"github.com/storygate/storygate/internal/store"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming Stripe webhook events. The signature is
// verified against the raw body before any state is touched; events that fail
// verification never reach the reconciler.
type WebhookHandler struct {
	secret     string
	reconciler *Reconciler
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, reconciler *Reconciler) *WebhookHandler {
	return &WebhookHandler{
		secret:     secret,
		reconciler: reconciler,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
//
// 200 acknowledges the event, including events this system deliberately drops
// (unknown types, integrity mismatches); the provider must not redeliver
// those. 5xx is reserved for transient failures where redelivery helps.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		billmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		billmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	if err := h.handleEvent(r, &event); err != nil {
		if errors.Is(err, ErrDataIntegrity) {
			// Redelivering won't fix a mismatched event; ACK so the provider
			// stops retrying. The drop is already logged with full context.
			status = http.StatusOK
			writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
			return
		}
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Str("request_id", logging.RequestIDFromContext(r.Context())).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(r *http.Request, event *stripelib.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSessionEvent
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.handleCheckoutCompleted(r, session)

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub SubscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		snap := snapshotFromEvent(sub, event.Created)
		return h.reconciler.Apply(r.Context(), snap, sub.Metadata["user_id"])

	case "invoice.payment_succeeded", "invoice.payment_failed":
		var inv InvoiceEvent
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.handleInvoice(r, inv)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

// handleCheckoutCompleted fetches the subscription the completed session
// created. The session payload carries no subscription status, so the
// provider is asked for the current truth; a fetch failure returns an error
// so the provider redelivers and the fetch is retried.
func (h *WebhookHandler) handleCheckoutCompleted(r *http.Request, session CheckoutSessionEvent) error {
	if session.Mode != "" && session.Mode != "subscription" {
		log.Info().
			Str("session_id", session.ID).
			Str("mode", session.Mode).
			Msg("Ignoring non-subscription checkout session")
		return nil
	}
	subscriptionID := strings.TrimSpace(session.Subscription)
	if subscriptionID == "" {
		log.Warn().
			Str("session_id", session.ID).
			Msg("Completed checkout session carries no subscription id, ignoring")
		return nil
	}
	return h.reconciler.ReconcileSubscription(r.Context(), strings.TrimSpace(session.Customer), subscriptionID, session.Metadata["user_id"])
}

// handleInvoice re-fetches the subscription an invoice event belongs to.
// Invoice payloads describe the payment, not the subscription, so the status
// transition they imply is read from the provider instead of guessed.
func (h *WebhookHandler) handleInvoice(r *http.Request, inv InvoiceEvent) error {
	subscriptionID := inv.SubscriptionID()
	if subscriptionID == "" {
		log.Info().
			Str("invoice_id", inv.ID).
			Msg("Invoice event without subscription, ignoring")
		return nil
	}
	return h.reconciler.ReconcileSubscription(r.Context(), strings.TrimSpace(inv.Customer), subscriptionID, "")
}

// snapshotFromEvent builds a provider snapshot from a subscription event
// payload. The event's creation time is the version token; the provider
// stamps it, so comparing it across events of one subscription gives the
// provider's ordering.
func snapshotFromEvent(sub SubscriptionEvent, created int64) *Snapshot {
	snap := &Snapshot{
		SubscriptionID: strings.TrimSpace(sub.ID),
		CustomerID:     strings.TrimSpace(sub.Customer),
		Status:         MapProviderStatus(sub.Status),
		Version:        created,
	}
	for _, item := range sub.Items.Data {
		if item.CurrentPeriodStart > 0 {
			snap.PeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
		if item.CurrentPeriodEnd > 0 {
			snap.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
		break
	}
	// Cancellations scheduled for period end keep access until then; only a
	// truly ended subscription loses the period.
	if snap.Status == store.StatusCanceled && sub.EndedAt > 0 {
		snap.PeriodEnd = time.Unix(sub.EndedAt, 0).UTC()
	}
	return snap
}

// CheckoutSessionEvent is a minimal representation of a Stripe
// checkout.session event.
type CheckoutSessionEvent struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// SubscriptionEvent is a minimal representation of a Stripe subscription
// event.
type SubscriptionEvent struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	EndedAt  int64  `json:"ended_at"`
	Items    struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// InvoiceEvent is a minimal representation of a Stripe invoice event.
type InvoiceEvent struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	// Newer API versions nest the subscription under parent; older ones put
	// it at the top level. Both are read.
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the subscription the invoice belongs to, or "".
func (i *InvoiceEvent) SubscriptionID() string {
	if s := strings.TrimSpace(i.Subscription); s != "" {
		return s
	}
	return strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription)
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode webhook response")
	}
}
