package server

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/storygate/storygate/internal/billing"
)

// Config holds all configuration for the StoryGate service.
type Config struct {
	DataDir             string
	BindAddress         string
	Port                int
	BaseURL             string
	SecureCookies       bool
	PublicMetrics       bool
	StripeAPIKey        string
	StripeWebhookSecret string
	StripePriceID       string
	CheckoutWindow      time.Duration
	LogLevel            string
	LogFormat           string
}

// BillingDir returns the directory for billing and catalog data.
func (c *Config) BillingDir() string {
	return filepath.Join(c.DataDir, "storygate")
}

// SessionsDir returns the directory for session data.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// CheckoutSuccessURL is where the provider sends the user after paying.
func (c *Config) CheckoutSuccessURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/billing/success"
}

// CheckoutCancelURL is where the provider sends the user after abandoning
// checkout.
func (c *Config) CheckoutCancelURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/billing/cancel"
}

// LoadConfig loads service configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("STORYGATE_PORT", 8080)
	if err != nil {
		return nil, err
	}

	window, err := envOrDefaultDuration("STORYGATE_CHECKOUT_WINDOW", billing.DefaultCheckoutWindow)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("STORYGATE_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("STORYGATE_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		BaseURL:             strings.TrimSpace(os.Getenv("STORYGATE_BASE_URL")),
		SecureCookies:       envOrDefaultBool("STORYGATE_SECURE_COOKIES", true),
		PublicMetrics:       envOrDefaultBool("STORYGATE_PUBLIC_METRICS", false),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripePriceID:       strings.TrimSpace(os.Getenv("STRIPE_PRICE_ID")),
		CheckoutWindow:      window,
		LogLevel:            envOrDefault("STORYGATE_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("STORYGATE_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "STORYGATE_BASE_URL")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.StripePriceID == "" {
		missing = append(missing, "STRIPE_PRICE_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("STORYGATE_PORT must be between 1 and 65535, got %d", c.Port)
	}

	if c.CheckoutWindow <= 0 {
		return fmt.Errorf("STORYGATE_CHECKOUT_WINDOW must be positive, got %s", c.CheckoutWindow)
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("STORYGATE_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("STORYGATE_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("STORYGATE_BASE_URL must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
