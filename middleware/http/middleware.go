// Package http provides HTTP middleware that gates routes behind a paid subscription
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// AccessChecker resolves the subscription entitling a user to service.
// *billing.Manager implements it.
type AccessChecker interface {
	Access(ctx context.Context, userID string) (*billing.Subscription, error)
}

// Config holds middleware configuration
type Config struct {
	// Access resolves subscriptions (required)
	Access AccessChecker

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Plans optionally restricts the route to these plans.
	// If empty, any entitled subscription passes.
	Plans []billing.Plan

	// OnPaymentRequired is called when the user has no entitled subscription
	// If nil, returns 402 Payment Required
	OnPaymentRequired func(w http.ResponseWriter, r *http.Request)

	// OnPlanNotAllowed is called when the user's plan is not in Plans
	// If nil, returns 403 Forbidden
	OnPlanNotAllowed func(w http.ResponseWriter, r *http.Request, sub *billing.Subscription)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// SubscriptionKey is the context key holding the entitled *billing.Subscription
	SubscriptionKey ContextKey = "billing:subscription"
)

// Middleware creates an HTTP middleware that requires an entitled subscription
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Access == nil {
		panic("gobilling/http: Config.Access is required")
	}
	if config.GetUserID == nil {
		panic("gobilling/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			sub, err := config.Access.Access(r.Context(), userID)
			if err != nil {
				if errors.Is(err, billing.ErrSubscriptionNotFound) {
					if config.OnPaymentRequired != nil {
						config.OnPaymentRequired(w, r)
					} else {
						writeError(w, http.StatusPaymentRequired, "Subscription required")
					}
				} else {
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						writeError(w, http.StatusInternalServerError, "Internal Server Error")
					}
				}
				return
			}

			if !PlanAllowed(config.Plans, sub.Plan) {
				if config.OnPlanNotAllowed != nil {
					config.OnPlanNotAllowed(w, r, sub)
				} else {
					writeError(w, http.StatusForbidden, "Plan does not include this feature")
				}
				return
			}

			ctx := context.WithValue(r.Context(), SubscriptionKey, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates the middleware in HandlerFunc form
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// PlanAllowed reports whether plan passes the allowlist. An empty list allows all plans.
func PlanAllowed(plans []billing.Plan, plan billing.Plan) bool {
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
func SubscriptionFromContext(ctx context.Context) (*billing.Subscription, bool) {
	sub, ok := ctx.Value(SubscriptionKey).(*billing.Subscription)
	return sub, ok
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key interface{}) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
