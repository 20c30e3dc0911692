package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the reconciliation engine and its
// webhook server.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	StripeAPIKey        string
	StripeWebhookSecret string

	// Price catalog. The three price IDs define the period each purchase
	// maps to; everything else about a price lives provider-side.
	PriceMonthly  string
	PriceAnnual   string
	PriceLifetime string

	// CreditPriceID is the price used when applying gift credit for a user
	// with no reactivatable record. Defaults to the monthly price.
	CreditPriceID string

	LogLevel  string
	LogFormat string
}

// LedgerDir returns the directory holding the ledger database.
func (c *Config) LedgerDir() string {
	return filepath.Join(c.DataDir, "ledger")
}

// Load reads configuration from environment variables. A .env file is loaded
// if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("SUBSYNC_PORT", 8480)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("SUBSYNC_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("SUBSYNC_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		PriceMonthly:        strings.TrimSpace(os.Getenv("SUBSYNC_PRICE_MONTHLY")),
		PriceAnnual:         strings.TrimSpace(os.Getenv("SUBSYNC_PRICE_ANNUAL")),
		PriceLifetime:       strings.TrimSpace(os.Getenv("SUBSYNC_PRICE_LIFETIME")),
		CreditPriceID:       strings.TrimSpace(os.Getenv("SUBSYNC_CREDIT_PRICE")),
		LogLevel:            envOrDefault("SUBSYNC_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("SUBSYNC_LOG_FORMAT", "auto"),
	}
	if cfg.CreditPriceID == "" {
		cfg.CreditPriceID = cfg.PriceMonthly
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.PriceMonthly == "" {
		missing = append(missing, "SUBSYNC_PRICE_MONTHLY")
	}
	if c.PriceAnnual == "" {
		missing = append(missing, "SUBSYNC_PRICE_ANNUAL")
	}
	if c.PriceLifetime == "" {
		missing = append(missing, "SUBSYNC_PRICE_LIFETIME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SUBSYNC_PORT must be between 1 and 65535, got %d", c.Port)
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
