package billing

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/storygate/storygate/internal/store"
)

const testWebhookSecret = "whsec_test_secret"

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func subscriptionEventJSON(eventID, eventType string, created int64, subID, custID, status, userID string, periodEnd time.Time) string {
	return fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"type": %q,
		"created": %d,
		"data": {
			"object": {
				"id": %q,
				"customer": %q,
				"status": %q,
				"metadata": {"user_id": %q},
				"items": {"data": [{"current_period_start": %d, "current_period_end": %d}]}
			}
		}
	}`, eventID, eventType, created, subID, custID, status, userID,
		periodEnd.Add(-30*24*time.Hour).Unix(), periodEnd.Unix())
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	st := newTestStore(t)
	handler := NewWebhookHandler(testWebhookSecret, NewReconciler(st, nil))

	payload := subscriptionEventJSON("evt_sig_1", "customer.subscription.updated", 100,
		"sub_sig_1", "cus_sig_1", "active", "", time.Now().Add(time.Hour))
	req := signedWebhookRequest(t, "whsec_wrong_secret", payload)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want %d, body=%q", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

func TestWebhookRequiresSignatureHeader(t *testing.T) {
	st := newTestStore(t)
	handler := NewWebhookHandler(testWebhookSecret, NewReconciler(st, nil))

	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhookAcksUnknownEventType(t *testing.T) {
	st := newTestStore(t)
	handler := NewWebhookHandler(testWebhookSecret, NewReconciler(st, nil))

	payload := `{"id":"evt_unknown_1","object":"event","type":"customer.tax_id.created","created":100,"data":{"object":{}}}`
	req := signedWebhookRequest(t, testWebhookSecret, payload)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d, body=%q", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestWebhookSubscriptionUpdatedReconciles(t *testing.T) {
	st := newTestStore(t)
	handler := NewWebhookHandler(testWebhookSecret, NewReconciler(st, nil))
	user := mustUser(t, st, "hook@example.com")

	periodEnd := time.Now().Add(30 * 24 * time.Hour)
	payload := subscriptionEventJSON("evt_upd_1", "customer.subscription.updated", 1000,
		"sub_hook_1", "cus_hook_1", "active", user.ID, periodEnd)
	req := signedWebhookRequest(t, testWebhookSecret, payload)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d, body=%q", rec.Code, http.StatusOK, rec.Body.String())
	}

	sub, err := st.GetSubscription(user.ID)
	if err != nil || sub == nil {
		t.Fatalf("GetSubscription: sub=%v err=%v", sub, err)
	}
	if sub.Status != store.StatusActive || sub.SubscriptionID != "sub_hook_1" {
		t.Fatalf("event not applied: status=%q subscription=%q", sub.Status, sub.SubscriptionID)
	}
	if sub.ProviderVersion != 1000 {
		t.Fatalf("provider version=%d, want event created timestamp 1000", sub.ProviderVersion)
	}
	if !sub.Entitled(time.Now()) {
		t.Fatal("user not entitled after active subscription event")
	}
}

func TestWebhookOutOfOrderDeliveryKeepsNewest(t *testing.T) {
	st := newTestStore(t)
	handler := NewWebhookHandler(testWebhookSecret, NewReconciler(st, nil))
	user := mustUser(t, st, "ooo@example.com")

	periodEnd := time.Now().Add(30 * 24 * time.Hour)
	newer := subscriptionEventJSON("evt_ooo_2", "customer.subscription.updated", 2000,
		"sub_ooo_1", "cus_ooo_1", "past_due", user.ID, periodEnd)
	older := subscriptionEventJSON("evt_ooo_1", "customer.subscription.updated", 1000,
		"sub_ooo_1", "cus_ooo_1", "active", user.ID, periodEnd)

	for _, payload := range []string{newer, older} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d, want %d, body=%q", rec.Code, http.StatusOK, rec.Body.String())
		}
	}

	sub, _ := st.GetSubscription(user.ID)
	if sub.Status != store.StatusPastDue {
		t.Fatalf("late stale event won: status=%q, want past_due", sub.Status)
	}
	if sub.ProviderVersion != 2000 {
		t.Fatalf("provider version=%d, want 2000", sub.ProviderVersion)
	}
}

func TestWebhookAcksCustomerMismatchWithoutApplying(t *testing.T) {
	st := newTestStore(t)
	handler := NewWebhookHandler(testWebhookSecret, NewReconciler(st, nil))
	user := mustUser(t, st, "mismatch-hook@example.com")

	rec0 := NewReconciler(st, nil)
	if err := rec0.Apply(context.Background(), activeSnapshot("sub_mh_1", "cus_mh_a", 10), user.ID); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	payload := subscriptionEventJSON("evt_mh_1", "customer.subscription.deleted", 50,
		"sub_mh_1", "cus_mh_b", "canceled", "", time.Now().Add(time.Hour))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))

	// Redelivery cannot fix a mismatch, so the event is ACKed not retried.
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d, body=%q", rec.Code, http.StatusOK, rec.Body.String())
	}
	sub, _ := st.GetSubscription(user.ID)
	if sub.Status != store.StatusActive || sub.CustomerID != "cus_mh_a" {
		t.Fatalf("mismatched event mutated state: status=%q customer=%q", sub.Status, sub.CustomerID)
	}
}

func TestWebhookCheckoutCompletedFetchesSubscription(t *testing.T) {
	st := newTestStore(t)
	fake := newFakeProvider()
	handler := NewWebhookHandler(testWebhookSecret, NewReconciler(st, fake.gateway()))
	user := mustUser(t, st, "complete@example.com")

	fake.addActiveSubscription("sub_done_1", "cus_done_1", time.Now().Add(30*24*time.Hour))

	payload := fmt.Sprintf(`{
		"id": "evt_done_1",
		"object": "event",
		"type": "checkout.session.completed",
		"created": 100,
		"data": {
			"object": {
				"id": "cs_done_1",
				"mode": "subscription",
				"customer": "cus_done_1",
				"subscription": "sub_done_1",
				"metadata": {"user_id": %q}
			}
		}
	}`, user.ID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d, body=%q", rec.Code, http.StatusOK, rec.Body.String())
	}
	sub, _ := st.GetSubscription(user.ID)
	if sub == nil || sub.Status != store.StatusActive || sub.SubscriptionID != "sub_done_1" {
		t.Fatalf("completed checkout not reconciled: %+v", sub)
	}
}

func TestWebhookRetriesWhenFetchFails(t *testing.T) {
	st := newTestStore(t)
	fake := newFakeProvider()
	handler := NewWebhookHandler(testWebhookSecret, NewReconciler(st, fake.gateway()))

	// Subscription unknown at the provider: the fetch fails and the handler
	// must signal the provider to redeliver.
	payload := `{
		"id": "evt_fetchfail_1",
		"object": "event",
		"type": "invoice.payment_succeeded",
		"created": 100,
		"data": {
			"object": {
				"id": "in_fail_1",
				"customer": "cus_fail_1",
				"subscription": "sub_missing_1"
			}
		}
	}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d, body=%q", rec.Code, http.StatusInternalServerError, rec.Body.String())
	}
}
