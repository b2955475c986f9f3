package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/storygate/storygate/internal/auth"
	"github.com/storygate/storygate/internal/billing"
	"github.com/storygate/storygate/internal/content"
	"github.com/storygate/storygate/internal/logging"
	"github.com/storygate/storygate/internal/store"
)

// Run starts the StoryGate HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "storygate",
	})

	log.Info().Str("version", version).Msg("Starting StoryGate")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.New(cfg.BillingDir())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sessions, err := auth.NewSessionStore(cfg.SessionsDir())
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessions.Close()

	gateway := billing.NewGateway(cfg.StripeAPIKey)
	reconciler := billing.NewReconciler(st, gateway)
	resolver := billing.NewCustomerResolver(st, gateway)
	entitlements := billing.NewEntitlements(st)
	checkout := billing.NewCheckoutInitiator(st, gateway, resolver, reconciler,
		cfg.StripePriceID, cfg.CheckoutSuccessURL(), cfg.CheckoutCancelURL())
	checkout.SetWindow(cfg.CheckoutWindow)

	authHandlers := auth.NewHandlers(st, sessions, cfg.SecureCookies)
	contentHandlers := content.NewHandlers(st, entitlements)
	webhook := billing.NewWebhookHandler(cfg.StripeWebhookSecret, reconciler)

	mux := http.NewServeMux()
	deps := &Deps{
		Config:       cfg,
		Store:        st,
		Auth:         authHandlers,
		Content:      contentHandlers,
		Checkout:     checkout,
		Entitlements: entitlements,
		Webhook:      webhook,
		Version:      version,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           RequestID(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go runSubscriberMetrics(ctx, st)

	go func() {
		log.Info().Str("addr", addr).Msg("StoryGate listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("StoryGate stopped")
	return nil
}
