package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storygate/storygate/internal/auth"
	"github.com/storygate/storygate/internal/billing"
	"github.com/storygate/storygate/internal/content"
	"github.com/storygate/storygate/internal/store"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config       *Config
	Store        *store.Store
	Auth         *auth.Handlers
	Content      *content.Handlers
	Checkout     *billing.CheckoutInitiator
	Entitlements *billing.Entitlements
	Webhook      *billing.WebhookHandler
	Version      string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", HandleHealthz)
	mux.HandleFunc("/readyz", HandleReadyz(deps.Store))

	// Status and metrics are admin-only by default.
	mux.Handle("GET /status", deps.Auth.RequireAdmin(HandleStatus(deps.Store, deps.Version)))
	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", deps.Auth.RequireAdmin(metricsHandler.ServeHTTP))
	}

	// Authentication. Credential endpoints get a tighter rate limit than the
	// rest of the API.
	authLimiter := NewRateLimiter(20, time.Minute)
	mux.Handle("POST /auth/register", authLimiter.Middleware(http.HandlerFunc(deps.Auth.HandleRegister)))
	mux.Handle("POST /auth/login", authLimiter.Middleware(http.HandlerFunc(deps.Auth.HandleLogin)))
	mux.HandleFunc("POST /auth/logout", deps.Auth.HandleLogout)
	mux.HandleFunc("GET /auth/check", deps.Auth.HandleCheck)

	// Billing. The webhook is signature-authenticated, everything else needs
	// a session.
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/billing/webhook", webhookLimiter.Middleware(deps.Webhook))
	mux.Handle("POST /billing/checkout", deps.Auth.RequireUser(HandleCheckout(deps.Checkout, deps.Config.StripePriceID)))
	mux.Handle("GET /billing/status", deps.Auth.RequireUser(HandleBillingStatus(deps.Entitlements)))

	// Story feed (session + entitlement authenticated; the handler enforces
	// entitlement itself).
	mux.Handle("GET /stories", deps.Auth.RequireUser(deps.Content.HandleFeed))

	// Admin catalog management.
	mux.Handle("GET /admin/stories", deps.Auth.RequireAdmin(deps.Content.HandleListStories))
	mux.Handle("POST /admin/stories", deps.Auth.RequireAdmin(deps.Content.HandleCreateStory))
	mux.Handle("PUT /admin/stories/{id}", deps.Auth.RequireAdmin(deps.Content.HandleUpdateStory))
	mux.Handle("DELETE /admin/stories/{id}", deps.Auth.RequireAdmin(deps.Content.HandleDeleteStory))
	mux.Handle("GET /admin/stats", deps.Auth.RequireAdmin(deps.Content.HandleStats))
}
