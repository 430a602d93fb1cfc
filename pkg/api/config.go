package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Config holds configuration for the billing API handler
type Config struct {
	// Manager runs the billing flows (required)
	Manager *billing.Manager

	// ClientKey is the gateway's publishable key, echoed by the prepare endpoint
	// so the browser can open the payment window.
	ClientKey string

	// Webhooks maps a provider name to its webhook handler,
	// mounted at /api/webhooks/{provider}.
	Webhooks map[string]http.Handler

	// GetUserID optionally extracts the authenticated user from the request.
	// When set, a request acting on another user's data is refused with 403.
	// When nil, the userId in the request is trusted.
	GetUserID func(*http.Request) string

	// AllowedOrigins for CORS (default: "*")
	AllowedOrigins []string

	// MaxBodyBytes bounds JSON request bodies (default: 64 KiB)
	MaxBodyBytes int64

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is an optional structured logger. Defaults to billing.NoopLogger.
	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	return nil
}

func (c *Config) setDefaults() {
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	if c.Logger == nil {
		c.Logger = &billing.NoopLogger{}
	}
	if c.Webhooks == nil {
		c.Webhooks = map[string]http.Handler{}
	}
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
