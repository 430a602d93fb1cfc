package gateway

import (
	"context"
	"errors"
	"net"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

var (
	// ErrProviderNotConfigured is returned when a provider is missing required configuration
	ErrProviderNotConfigured = errors.New("gateway provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUnknownProvider is returned when no provider is registered under a name
	ErrUnknownProvider = errors.New("unknown gateway provider")
)

// TransportError classifies an error that happened before the gateway answered.
// Deadlines become billing.ErrGatewayTimeout, everything else billing.ErrGatewayUnreachable.
func TransportError(err error) *billing.GatewayError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &billing.GatewayError{Err: billing.ErrGatewayTimeout, Message: err.Error()}
	}
	return &billing.GatewayError{Err: billing.ErrGatewayUnreachable, Message: err.Error()}
}

// Rejected wraps a gateway answer that declined the request
func Rejected(code, message string) *billing.GatewayError {
	return &billing.GatewayError{Err: billing.ErrGatewayRejected, Code: code, Message: message}
}
