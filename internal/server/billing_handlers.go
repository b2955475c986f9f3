package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/storygate/storygate/internal/auth"
	"github.com/storygate/storygate/internal/billing"
	"github.com/storygate/storygate/internal/logging"
)

// HandleCheckout starts a checkout flow for the authenticated user.
//
// The body may name a plan; the service sells a single plan, so an empty
// body (or an empty plan) selects it and anything else is a 400.
//
// 409 means the user has nothing to buy right now: either already entitled
// or a payment is still settling. Both are terminal for this request, the
// client should refresh billing status instead of retrying.
func HandleCheckout(initiator *billing.CheckoutInitiator, priceID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := auth.UserFromContext(r.Context())
		if user == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		var req struct {
			Plan string `json:"plan"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}
		if req.Plan != "" && req.Plan != priceID {
			writeError(w, http.StatusBadRequest, "unknown plan")
			return
		}

		result, err := initiator.Start(r.Context(), user.ID)
		switch {
		case errors.Is(err, billing.ErrAlreadyEntitled):
			writeError(w, http.StatusConflict, "subscription already active")
		case errors.Is(err, billing.ErrCheckoutPending):
			writeError(w, http.StatusConflict, "a previous checkout is still settling")
		case errors.Is(err, billing.ErrProviderUnavailable):
			writeError(w, http.StatusServiceUnavailable, "billing provider unavailable, try again shortly")
		case err != nil:
			log.Error().Err(err).
				Str("user_id", user.ID).
				Str("request_id", logging.RequestIDFromContext(r.Context())).
				Msg("Checkout initiation failed")
			writeError(w, http.StatusInternalServerError, "checkout failed")
		case result.Reused:
			// A recent flow already exists; hand its URL back with 429 so the
			// client knows nothing new was minted.
			writeJSON(w, http.StatusTooManyRequests, result)
		default:
			writeJSON(w, http.StatusOK, result)
		}
	}
}

// HandleBillingStatus reports the authenticated user's subscription state
// from local data only.
func HandleBillingStatus(ent *billing.Entitlements) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := auth.UserFromContext(r.Context())
		if user == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		view, err := ent.Status(user.ID)
		if err != nil {
			log.Error().Err(err).
				Str("user_id", user.ID).
				Str("request_id", logging.RequestIDFromContext(r.Context())).
				Msg("Billing status lookup failed")
			writeError(w, http.StatusInternalServerError, "status lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("server: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
