// Package echo provides Echo middleware that gates routes behind a paid subscription
package echo

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// SubscriptionKey is the Echo context key holding the entitled *billing.Subscription
const SubscriptionKey = "billing.subscription"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// AccessChecker resolves the subscription entitling a user to service
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
	OnPaymentRequired func(c echo.Context) error

	// OnPlanNotAllowed is called when the user's plan is not in Plans
	OnPlanNotAllowed func(c echo.Context, sub *billing.Subscription) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that requires an entitled subscription
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Access == nil {
		panic("gobilling/echo: Config.Access is required")
	}
	if cfg.GetUserID == nil {
		panic("gobilling/echo: Config.GetUserID is required")
	}
	if cfg.PaymentRequiredStatusCode == 0 {
		cfg.PaymentRequiredStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			sub, err := cfg.Access.Access(c.Request().Context(), userID)
			if err != nil {
				if errors.Is(err, billing.ErrSubscriptionNotFound) {
					if cfg.OnPaymentRequired != nil {
						return cfg.OnPaymentRequired(c)
					}
					return c.JSON(cfg.PaymentRequiredStatusCode, map[string]string{"error": "Subscription required"})
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			if !planAllowed(cfg.Plans, sub.Plan) {
				if cfg.OnPlanNotAllowed != nil {
					return cfg.OnPlanNotAllowed(c, sub)
				}
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "Plan does not include this feature",
					"plan":  string(sub.Plan),
				})
			}

			c.Set(SubscriptionKey, sub)
			return next(c)
		}
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

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// SubscriptionFromContext returns the subscription stored by the middleware
func SubscriptionFromContext(c echo.Context) (*billing.Subscription, bool) {
	sub, ok := c.Get(SubscriptionKey).(*billing.Subscription)
	return sub, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a path parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
