// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Auth
	JWTSecret string

	// Gateway settings
	GatewayProvider     string // "paypal", "stripe", or "mock"
	PayPalBaseURL       string
	PayPalClientID      string
	PayPalSecret        string
	StripeAPIKey        string
	GatewayWebhookSecret string

	// Currency settings
	SettlementCurrency string   // currency the gateway charges in
	LocalCurrencies    []string // marketplace currencies to keep rates warm for
	RateProviderURL    string   // optional; static demo rates if not set

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled if empty

	// Security
	RateLimitRPS int
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultGatewayProvider    = "mock"
	DefaultPayPalBaseURL      = "https://api-m.sandbox.paypal.com"
	DefaultSettlementCurrency = "USD"
	DefaultRateLimit          = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		JWTSecret:            os.Getenv("JWT_SECRET"),
		GatewayProvider:      getEnv("GATEWAY_PROVIDER", DefaultGatewayProvider),
		PayPalBaseURL:        getEnv("PAYPAL_BASE_URL", DefaultPayPalBaseURL),
		PayPalClientID:       os.Getenv("PAYPAL_CLIENT_ID"),
		PayPalSecret:         os.Getenv("PAYPAL_SECRET"),
		StripeAPIKey:         os.Getenv("STRIPE_API_KEY"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		SettlementCurrency:   getEnv("SETTLEMENT_CURRENCY", DefaultSettlementCurrency),
		LocalCurrencies:      splitList(getEnv("LOCAL_CURRENCIES", "UZS")),
		RateProviderURL:      os.Getenv("RATE_PROVIDER_URL"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:         getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	switch c.GatewayProvider {
	case "mock":
		// Demo/development mode, nothing to check.
	case "paypal":
		if c.PayPalClientID == "" || c.PayPalSecret == "" {
			return fmt.Errorf("PAYPAL_CLIENT_ID and PAYPAL_SECRET are required for the paypal gateway")
		}
	case "stripe":
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required for the stripe gateway")
		}
	default:
		return fmt.Errorf("GATEWAY_PROVIDER must be paypal, stripe, or mock (got %q)", c.GatewayProvider)
	}

	if c.GatewayProvider != "mock" && c.GatewayWebhookSecret == "" {
		return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required outside mock mode")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, strings.ToUpper(trimmed))
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
