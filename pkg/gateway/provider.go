// Package gateway holds what every payment gateway adapter shares: the
// Provider contract, its configuration, metrics and sentinel errors.
package gateway

import (
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Provider is a payment gateway usable by the billing core.
// Swapping Toss for Stripe needs no change outside the wiring.
type Provider interface {
	billing.Gateway

	// Name returns the provider name (e.g., "toss", "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that authenticates gateway-pushed
	// events and hands them to the configured billing.Reconciler.
	WebhookHandler() http.Handler
}
