// Package fiber provides Fiber middleware that gates routes behind a paid subscription
package fiber

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// SubscriptionKey is the Fiber locals key holding the entitled *billing.Subscription
const SubscriptionKey = "billing.subscription"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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

	OnPaymentRequired func(c *fiber.Ctx) error
	OnPlanNotAllowed  func(c *fiber.Ctx, sub *billing.Subscription) error
	OnUnauthorized    func(c *fiber.Ctx) error
	OnError           func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that requires an entitled subscription
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Access == nil {
		panic("gobilling/fiber: Config.Access is required")
	}
	if cfg.GetUserID == nil {
		panic("gobilling/fiber: Config.GetUserID is required")
	}
	if cfg.PaymentRequiredStatusCode == 0 {
		cfg.PaymentRequiredStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		sub, err := cfg.Access.Access(c.UserContext(), userID)
		if err != nil {
			if errors.Is(err, billing.ErrSubscriptionNotFound) {
				if cfg.OnPaymentRequired != nil {
					return cfg.OnPaymentRequired(c)
				}
				return c.Status(cfg.PaymentRequiredStatusCode).JSON(fiber.Map{"error": "Subscription required"})
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !planAllowed(cfg.Plans, sub.Plan) {
			if cfg.OnPlanNotAllowed != nil {
				return cfg.OnPlanNotAllowed(c, sub)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Plan does not include this feature",
				"plan":  sub.Plan,
			})
		}

		c.Locals(SubscriptionKey, sub)
		return c.Next()
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
func SubscriptionFromContext(c *fiber.Ctx) (*billing.Subscription, bool) {
	sub, ok := c.Locals(SubscriptionKey).(*billing.Subscription)
	return sub, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
