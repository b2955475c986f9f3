package server

import (
	"strings"
	"testing"

	"github.com/storygate/storygate/internal/billing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORYGATE_BASE_URL", "https://stories.example.com")
	t.Setenv("STRIPE_API_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test_123")
	t.Setenv("STRIPE_PRICE_ID", "price_test_123")
	t.Setenv("STORYGATE_DATA_DIR", t.TempDir())
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port=%d, want 8080", cfg.Port)
	}
	if cfg.BindAddress != "0.0.0.0" {
		t.Errorf("BindAddress=%q", cfg.BindAddress)
	}
	if !cfg.SecureCookies {
		t.Error("SecureCookies should default to true")
	}
	if cfg.PublicMetrics {
		t.Error("PublicMetrics should default to false")
	}
	if got := cfg.CheckoutSuccessURL(); got != "https://stories.example.com/billing/success" {
		t.Errorf("CheckoutSuccessURL=%q", got)
	}
	if cfg.CheckoutWindow != billing.DefaultCheckoutWindow {
		t.Errorf("CheckoutWindow=%s, want %s", cfg.CheckoutWindow, billing.DefaultCheckoutWindow)
	}
}

func TestLoadConfigReportsAllMissingVars(t *testing.T) {
	t.Setenv("STORYGATE_BASE_URL", "")
	t.Setenv("STRIPE_API_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	t.Setenv("STRIPE_PRICE_ID", "")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("expected error for missing env vars")
	}
	for _, name := range []string{"STORYGATE_BASE_URL", "STRIPE_API_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_PRICE_ID"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error does not mention %s: %v", name, err)
		}
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"STORYGATE_PORT", "0"},
		{"STORYGATE_PORT", "70000"},
		{"STORYGATE_PORT", "not-a-number"},
		{"STORYGATE_BASE_URL", "ftp://stories.example.com"},
		{"STORYGATE_BASE_URL", "https://"},
		{"STORYGATE_CHECKOUT_WINDOW", "soon"},
		{"STORYGATE_CHECKOUT_WINDOW", "-5m"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tc.key, tc.value)
			if _, err := LoadConfig(); err == nil {
				t.Errorf("LoadConfig accepted %s=%q", tc.key, tc.value)
			}
		})
	}
}
