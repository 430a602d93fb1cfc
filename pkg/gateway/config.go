package gateway

import (
	"net/http"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Config defines the standard configuration all providers accept
type Config struct {
	// SecretKey authenticates outbound API calls to the gateway.
	SecretKey string

	// WebhookSecret verifies incoming webhook requests.
	WebhookSecret string

	// BaseURL overrides the gateway API endpoint. Tests point it at httptest servers.
	BaseURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Reconciler receives authenticated webhook events.
	// If nil, WebhookHandler answers 503.
	Reconciler *billing.Reconciler

	// WebhookTolerance bounds how old a signed webhook may be (default: 5m).
	WebhookTolerance time.Duration

	// RateLimitRequests and RateLimitWindow bound webhook requests per client IP
	// (default: 100 per minute).
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Metrics is an optional metrics collector for gateway operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Logger is an optional structured logger. Defaults to billing.NoopLogger.
	Logger billing.Logger
}

// SetDefaults fills zero values with the defaults shared by every provider
func (c *Config) SetDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.WebhookTolerance <= 0 {
		c.WebhookTolerance = 5 * time.Minute
	}
	if c.RateLimitRequests <= 0 {
		c.RateLimitRequests = 100
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &billing.NoopLogger{}
	}
}
