// Package config loads the billingd service configuration from the environment
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full billingd configuration
type Config struct {
	Env  string `envconfig:"ENV" default:"production"`
	Port string `envconfig:"PORT" default:"8080"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Storage
	StorageDriver    string `envconfig:"STORAGE_DRIVER" default:"memory"`
	PostgresDSN      string `envconfig:"POSTGRES_DSN"`
	RedisAddr        string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword    string `envconfig:"REDIS_PASSWORD"`
	RedisDB          int    `envconfig:"REDIS_DB" default:"0"`
	RedisKeyPrefix   string `envconfig:"REDIS_KEY_PREFIX" default:"gobilling:"`
	FirestoreProject string `envconfig:"FIRESTORE_PROJECT_ID"`

	// Gateway
	GatewayProvider      string        `envconfig:"GATEWAY_PROVIDER" default:"toss"`
	GatewaySecretKey     string        `envconfig:"GATEWAY_SECRET_KEY" required:"true"`
	GatewayClientKey     string        `envconfig:"GATEWAY_CLIENT_KEY"`
	GatewayWebhookSecret string        `envconfig:"GATEWAY_WEBHOOK_SECRET"`
	GatewayBaseURL       string        `envconfig:"GATEWAY_BASE_URL"`
	GatewayTimeout       time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
	StripeCurrency       string        `envconfig:"STRIPE_CURRENCY" default:"krw"`

	CircuitBreakerEnabled   bool          `envconfig:"CIRCUIT_BREAKER_ENABLED" default:"true"`
	CircuitBreakerThreshold int           `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"5"`
	CircuitBreakerReset     time.Duration `envconfig:"CIRCUIT_BREAKER_RESET" default:"30s"`

	// Billing
	ProductName   string `envconfig:"PRODUCT_NAME" default:"ESG Insight"`
	OrderIDPrefix string `envconfig:"ORDER_ID_PREFIX" default:"ESG"`
	StrictPlans   bool   `envconfig:"STRICT_PLANS" default:"false"`
	TimeZone      string `envconfig:"BILLING_TIMEZONE" default:"UTC"`

	// Scheduler
	RenewalAt   string `envconfig:"RENEWAL_AT" default:"02:00"`
	RetryAt     string `envconfig:"RETRY_AT" default:"10:00"`
	Concurrency int    `envconfig:"SWEEP_CONCURRENCY" default:"4"`

	// Notifications
	Notifier        string `envconfig:"NOTIFIER" default:"log"`
	PubSubProjectID string `envconfig:"PUBSUB_PROJECT_ID"`
	PubSubTopic     string `envconfig:"PUBSUB_TOPIC" default:"billing-events"`

	// HTTP
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
	MetricsEnabled bool     `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads the configuration from the process environment
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements envconfig cannot express
func (c *Config) Validate() error {
	if c.GatewaySecretKey == "" {
		return fmt.Errorf("GATEWAY_SECRET_KEY is required")
	}

	switch c.StorageDriver {
	case "memory", "redis":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres storage driver")
		}
	case "firestore":
		if c.FirestoreProject == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore storage driver")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	switch c.GatewayProvider {
	case "toss", "stripe":
	default:
		return fmt.Errorf("unknown GATEWAY_PROVIDER %q", c.GatewayProvider)
	}

	switch c.Notifier {
	case "log":
	case "pubsub":
		if c.PubSubProjectID == "" {
			return fmt.Errorf("PUBSUB_PROJECT_ID is required for the pubsub notifier")
		}
	default:
		return fmt.Errorf("unknown NOTIFIER %q", c.Notifier)
	}

	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("invalid BILLING_TIMEZONE: %w", err)
	}
	return nil
}

// Location returns the billing time zone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
