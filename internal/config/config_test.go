package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GATEWAY_SECRET_KEY", "test_sk_123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.StorageDriver)
	assert.Equal(t, "toss", cfg.GatewayProvider)
	assert.Equal(t, "log", cfg.Notifier)
	assert.Equal(t, "02:00", cfg.RenewalAt)
	assert.Equal(t, "10:00", cfg.RetryAt)
	assert.Equal(t, 30*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_RequiresSecretKey(t *testing.T) {
	t.Setenv("GATEWAY_SECRET_KEY", "")
	require.NoError(t, os.Unsetenv("GATEWAY_SECRET_KEY"))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("GATEWAY_SECRET_KEY", "sk_test")
	t.Setenv("GATEWAY_PROVIDER", "stripe")
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/billing")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("BILLING_TIMEZONE", "Asia/Seoul")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "stripe", cfg.GatewayProvider)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "Asia/Seoul", cfg.Location().String())
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{GatewaySecretKey: "sk", StorageDriver: "memory", GatewayProvider: "toss", Notifier: "log", TimeZone: "UTC"}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.GatewaySecretKey = "" }},
		{"unknown storage", func(c *Config) { c.StorageDriver = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.StorageDriver = "postgres" }},
		{"firestore without project", func(c *Config) { c.StorageDriver = "firestore" }},
		{"unknown gateway", func(c *Config) { c.GatewayProvider = "paypal" }},
		{"pubsub without project", func(c *Config) { c.Notifier = "pubsub" }},
		{"unknown notifier", func(c *Config) { c.Notifier = "sms" }},
		{"bad time zone", func(c *Config) { c.TimeZone = "Mars/Olympus" }},
	}

	valid := base()
	require.NoError(t, valid.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
