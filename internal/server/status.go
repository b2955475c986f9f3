package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/storygate/storygate/internal/billing/billmetrics"
	"github.com/storygate/storygate/internal/store"
)

type statusResponse struct {
	Version       string                           `json:"version"`
	Users         int                              `json:"users"`
	Entitled      int                              `json:"entitled"`
	Subscriptions map[store.SubscriptionStatus]int `json:"subscriptions"`
	Stories       int                              `json:"stories"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity
// (readiness probe).
func HandleReadyz(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(); err != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate service status.
func HandleStatus(st *store.Store, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		users, err := st.CountUsers()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		entitled, err := st.CountEntitled(now)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		byStatus, err := st.CountByStatus()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		stories, _, err := st.CountActiveStories(now.AddDate(0, 0, -30))
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the
		// background updater).
		billmetrics.EntitledSubscribers.Set(float64(entitled))
		for status, c := range byStatus {
			billmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(c))
		}

		resp := statusResponse{
			Version:       version,
			Users:         users,
			Entitled:      entitled,
			Subscriptions: byStatus,
			Stories:       stories,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error().Err(err).Msg("server: encode status response")
		}
	}
}
