package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "JWT_SECRET", "test-secret")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultGatewayProvider, cfg.GatewayProvider)
	assert.Equal(t, DefaultSettlementCurrency, cfg.SettlementCurrency)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPS)
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid mock config",
			config: Config{
				JWTSecret:       "secret",
				GatewayProvider: "mock",
			},
			wantErr: "",
		},
		{
			name: "missing jwt secret",
			config: Config{
				GatewayProvider: "mock",
			},
			wantErr: "JWT_SECRET is required",
		},
		{
			name: "paypal without credentials",
			config: Config{
				JWTSecret:       "secret",
				GatewayProvider: "paypal",
			},
			wantErr: "PAYPAL_CLIENT_ID and PAYPAL_SECRET are required",
		},
		{
			name: "stripe without api key",
			config: Config{
				JWTSecret:       "secret",
				GatewayProvider: "stripe",
			},
			wantErr: "STRIPE_API_KEY is required",
		},
		{
			name: "unknown provider",
			config: Config{
				JWTSecret:       "secret",
				GatewayProvider: "square",
			},
			wantErr: "GATEWAY_PROVIDER must be",
		},
		{
			name: "paypal without webhook secret",
			config: Config{
				JWTSecret:       "secret",
				GatewayProvider: "paypal",
				PayPalClientID:  "id",
				PayPalSecret:    "secret",
			},
			wantErr: "GATEWAY_WEBHOOK_SECRET is required",
		},
		{
			name: "complete paypal config",
			config: Config{
				JWTSecret:            "secret",
				GatewayProvider:      "paypal",
				PayPalClientID:       "id",
				PayPalSecret:         "secret",
				GatewayWebhookSecret: "whsec",
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"UZS"}, splitList("UZS"))
	assert.Equal(t, []string{"UZS", "KZT", "EUR"}, splitList("uzs, kzt ,EUR"))
	assert.Nil(t, splitList(" , "))
}

func TestLoad_LocalCurrencies(t *testing.T) {
	setEnv(t, "JWT_SECRET", "test-secret")
	setEnv(t, "LOCAL_CURRENCIES", "uzs,kzt")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"UZS", "KZT"}, cfg.LocalCurrencies)
}

func TestGetEnvInt(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 99, getEnvInt("NONEXISTENT_VAR", 99))
	assert.Equal(t, 99, getEnvInt("TEST_INVALID", 99)) // Falls back on parse error
}
