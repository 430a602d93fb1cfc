// Package gin provides Gin middleware that gates routes behind a paid subscription
package gin

import (
	"context"
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// SubscriptionKey is the Gin context key holding the entitled *billing.Subscription
const SubscriptionKey = "billing.subscription"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// AccessChecker resolves the subscription entitling a user to service.
// *billing.Manager implements it.
type AccessChecker interface {
	Access(ctx context.Context, userID string) (*billing.Subscription, error)
}

// Config holds middleware configuration
type Config struct {
	// Access resolves subscriptions (required)
	Access AccessChecker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Plans optionally restricts the route to these plans
	Plans []billing.Plan

	// PaymentRequiredStatusCode is returned when the user has no entitled subscription
	// Default: 402 (Payment Required)
	PaymentRequiredStatusCode int

	// OnPaymentRequired is called when the user has no entitled subscription
	// If nil, uses default response: PaymentRequiredStatusCode JSON
	OnPaymentRequired func(c *gongin.Context)

	// OnPlanNotAllowed is called when the user's plan is not in Plans
	// If nil, returns 403 Forbidden
	OnPlanNotAllowed func(c *gongin.Context, sub *billing.Subscription)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that requires an entitled subscription
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Access == nil {
		panic("gobilling/gin: Config.Access is required")
	}
	if cfg.GetUserID == nil {
		panic("gobilling/gin: Config.GetUserID is required")
	}
	if cfg.PaymentRequiredStatusCode == 0 {
		cfg.PaymentRequiredStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		sub, err := cfg.Access.Access(c.Request.Context(), userID)
		if err != nil {
			switch {
			case errors.Is(err, billing.ErrSubscriptionNotFound) && cfg.OnPaymentRequired != nil:
				cfg.OnPaymentRequired(c)
			case errors.Is(err, billing.ErrSubscriptionNotFound):
				c.JSON(cfg.PaymentRequiredStatusCode, gongin.H{"error": "Subscription required"})
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			default:
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !planAllowed(cfg.Plans, sub.Plan) {
			if cfg.OnPlanNotAllowed != nil {
				cfg.OnPlanNotAllowed(c, sub)
			} else {
				c.JSON(http.StatusForbidden, gongin.H{
					"error": "Plan does not include this feature",
					"plan":  sub.Plan,
				})
			}
			c.Abort()
			return
		}

		c.Set(SubscriptionKey, sub)
		c.Next()
	}
}

func planAllowed(plans []billing.Plan, plan billing.Plan) bool {
	if len(plans) == 0 {
		return true
	}
	for _, p := range plans {
		if p == plan {
			return true
		}
	}
	return false
}

// SubscriptionFromContext returns the subscription stored by the middleware
func SubscriptionFromContext(c *gongin.Context) (*billing.Subscription, bool) {
	val, exists := c.Get(SubscriptionKey)
	if !exists {
		return nil, false
	}
	sub, ok := val.(*billing.Subscription)
	return sub, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by auth middleware via c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
