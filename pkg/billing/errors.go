package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPaymentMethod is returned when the user has no registered billing key
	ErrNoPaymentMethod = errors.New("no payment method registered")

	// ErrGatewayRejected is returned when the gateway declines a request
	ErrGatewayRejected = errors.New("gateway rejected request")

	// ErrGatewayUnreachable is returned on network-level gateway failures
	ErrGatewayUnreachable = errors.New("gateway unreachable")

	// ErrGatewayTimeout is returned when a gateway call exceeds its deadline
	ErrGatewayTimeout = errors.New("gateway timeout")

	// ErrAmountMismatch is returned when a confirm amount differs from the prepared amount
	ErrAmountMismatch = errors.New("payment amount mismatch")

	// ErrUnknownPlan is returned in strict mode for a subscription with an unknown plan code
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrInvalidPlan is returned when a purchase names a plan that does not exist
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrSubscriptionNotFound is returned when a subscription does not exist
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrSubscriptionNotActive is returned when an operation needs a live subscription
	ErrSubscriptionNotActive = errors.New("subscription not active")

	// ErrNotEligible is returned when a subscription no longer qualifies for the trigger
	// that selected it
	ErrNotEligible = errors.New("subscription not eligible for charge")

	// ErrPaymentNotFound is returned when no payment matches an order id
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrPaymentAlreadyCompleted is returned when confirming an order twice
	ErrPaymentAlreadyCompleted = errors.New("payment already completed")

	// ErrBillingKeyNotFound is returned when a user has no billing key
	ErrBillingKeyNotFound = errors.New("billing key not found")

	// ErrDuplicateOrderID is returned when appending a payment whose order id exists
	ErrDuplicateOrderID = errors.New("duplicate order id")

	// ErrAlreadyAttempted is returned when a scheduled charge was already tried today
	ErrAlreadyAttempted = errors.New("charge already attempted today")

	// ErrSubscriptionLocked is returned when another worker holds the subscription
	ErrSubscriptionLocked = errors.New("subscription locked by another worker")

	// ErrStorageUnavailable is returned when the ledger is not configured or reachable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidConfig is returned by constructors for unusable configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)

// GatewayError describes a failed gateway call.
// Err is one of ErrGatewayRejected, ErrGatewayUnreachable or ErrGatewayTimeout.
type GatewayError struct {
	Code    string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%v: %s (%s)", e.Err, e.Message, e.Code)
	case e.Message != "":
		return fmt.Sprintf("%v: %s", e.Err, e.Message)
	default:
		return e.Err.Error()
	}
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// GatewayMessage extracts the gateway's message from err, falling back to err.Error()
func GatewayMessage(err error) string {
	if err == nil {
		return ""
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) && gwErr.Message != "" {
		return gwErr.Message
	}
	return err.Error()
}

// IsGatewayFailure reports whether err counts as a failed charge at the gateway
func IsGatewayFailure(err error) bool {
	return errors.Is(err, ErrGatewayRejected) ||
		errors.Is(err, ErrGatewayUnreachable) ||
		errors.Is(err, ErrGatewayTimeout)
}
